// Copyright (c) 2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package keyring

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
)

// BIP45Purpose is the hardened purpose index of multisig HD wallets.
const BIP45Purpose = 45

const (
	receiveBranch uint32 = 0
	changeBranch  uint32 = 1
)

// Path identifies an address below a copayer's BIP45 branch key.
type Path struct {
	CopayerIndex uint32
	IsChange     bool
	AddressIndex uint32
}

// branch returns the numeric change branch of the path.
func (p Path) branch() uint32 {
	if p.IsChange {
		return changeBranch
	}
	return receiveBranch
}

// String returns the full path, m/45'/copayer/change/index.
func (p Path) String() string {
	return fmt.Sprintf("m/%d'/%d/%d/%d", BIP45Purpose, p.CopayerIndex,
		p.branch(), p.AddressIndex)
}

// FullPath returns the path string of an address.
func FullPath(copayerIndex uint32, isChange bool, index uint32) string {
	return Path{copayerIndex, isChange, index}.String()
}

// ParsePath parses a path of the form m/45'/copayer/change/index.
func ParsePath(s string) (Path, error) {
	parts := strings.Split(strings.TrimSpace(s), "/")
	if len(parts) != 5 || parts[0] != "m" ||
		parts[1] != strconv.Itoa(BIP45Purpose)+"'" {

		str := fmt.Sprintf("path %q is not of the form m/45'/c/b/i", s)
		return Path{}, newError(ErrInvalidPath, str, nil)
	}

	var nums [3]uint32
	for i, part := range parts[2:] {
		n, err := strconv.ParseUint(part, 10, 32)
		if err != nil {
			str := fmt.Sprintf("invalid element %q in path %q", part, s)
			return Path{}, newError(ErrInvalidPath, str, err)
		}
		if n >= hdkeychain.HardenedKeyStart {
			str := fmt.Sprintf("hardened element %q in path %q",
				part, s)
			return Path{}, newError(ErrInvalidPath, str, nil)
		}
		nums[i] = uint32(n)
	}

	if nums[1] != receiveBranch && nums[1] != changeBranch {
		str := fmt.Sprintf("invalid change branch %d in path %q",
			nums[1], s)
		return Path{}, newError(ErrInvalidPath, str, nil)
	}

	return Path{
		CopayerIndex: nums[0],
		IsChange:     nums[1] == changeBranch,
		AddressIndex: nums[2],
	}, nil
}

// BIP45Branch derives the m/45' branch of a master extended key.
func BIP45Branch(master *hdkeychain.ExtendedKey) (*hdkeychain.ExtendedKey, error) {
	branch, err := master.Derive(hdkeychain.HardenedKeyStart + BIP45Purpose)
	if err != nil {
		return nil, newError(ErrKeyChain, "unable to derive BIP45 branch",
			err)
	}
	return branch, nil
}

// DeriveChild derives the child of a BIP45 branch key at the given path.
func DeriveChild(branchKey *hdkeychain.ExtendedKey, p Path) (*hdkeychain.ExtendedKey, error) {
	key := branchKey
	for _, i := range []uint32{p.CopayerIndex, p.branch(), p.AddressIndex} {
		var err error
		key, err = key.Derive(i)
		if err != nil {
			str := fmt.Sprintf("unable to derive %v", p)
			return nil, newError(ErrKeyChain, str, err)
		}
	}
	return key, nil
}
