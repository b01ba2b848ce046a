// Copyright (c) 2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package keyring

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	mapset "github.com/deckarep/golang-set"
	lru "github.com/hashicorp/golang-lru"
	"github.com/lightningnetwork/lnd/fn/v2"

	"github.com/copaywallet/copayd/netparams"
)

const (
	// DefaultRequiredCopayers is the number of signatures required when a
	// ring is created without an explicit M.
	DefaultRequiredCopayers = 3

	// DefaultTotalCopayers is the number of copayers of a ring created
	// without an explicit N.
	DefaultTotalCopayers = 5

	// MaxCopayers is the largest N whose redeem script with compressed
	// keys still fits the P2SH script size limit.
	MaxCopayers = 15

	// scriptCacheSize is the number of derived redeem scripts kept in
	// memory.
	scriptCacheSize = 2048
)

// Config holds the immutable parameters of a ring.
type Config struct {
	WalletID         string
	Net              *chaincfg.Params
	RequiredCopayers int
	TotalCopayers    int
}

type copayer struct {
	xpub string
	key  *hdkeychain.ExtendedKey
	id   string
}

// PublicKeyRing is the set of copayer BIP45 extended public keys of one
// wallet together with the address generation counters of every copayer
// branch.
type PublicKeyRing struct {
	walletID         string
	net              *chaincfg.Params
	requiredCopayers int
	totalCopayers    int

	copayers       []*copayer
	nicknames      map[string]string
	indexes        map[uint32]*HDParams
	copayersBackup mapset.Set

	// scripts caches redeem scripts by path.  It is purged whenever the
	// set of copayers changes.
	scripts *lru.Cache
}

// New creates an empty ring.  Zero M or N select the defaults and a nil
// network selects testnet.
func New(cfg Config) (*PublicKeyRing, error) {
	if cfg.Net == nil {
		cfg.Net = netparams.TestNet3Params.Params
	}
	if cfg.RequiredCopayers == 0 {
		cfg.RequiredCopayers = DefaultRequiredCopayers
	}
	if cfg.TotalCopayers == 0 {
		cfg.TotalCopayers = DefaultTotalCopayers
	}
	if cfg.TotalCopayers < 1 || cfg.TotalCopayers > MaxCopayers {
		str := fmt.Sprintf("total copayers must be between 1 and %d, "+
			"got %d", MaxCopayers, cfg.TotalCopayers)
		return nil, newError(ErrInvalidConfig, str, nil)
	}
	if cfg.RequiredCopayers < 1 ||
		cfg.RequiredCopayers > cfg.TotalCopayers {

		str := fmt.Sprintf("required copayers must be between 1 and %d, "+
			"got %d", cfg.TotalCopayers, cfg.RequiredCopayers)
		return nil, newError(ErrInvalidConfig, str, nil)
	}

	scripts, err := lru.New(scriptCacheSize)
	if err != nil {
		return nil, newError(ErrInvalidConfig, "unable to create script "+
			"cache", err)
	}

	r := &PublicKeyRing{
		walletID:         cfg.WalletID,
		net:              cfg.Net,
		requiredCopayers: cfg.RequiredCopayers,
		totalCopayers:    cfg.TotalCopayers,
		nicknames:        make(map[string]string),
		indexes:          make(map[uint32]*HDParams),
		copayersBackup:   mapset.NewThreadUnsafeSet(),
		scripts:          scripts,
	}
	for _, p := range InitHDParams(cfg.TotalCopayers) {
		r.indexes[p.CopayerIndex] = p
	}
	return r, nil
}

// WalletID returns the id of the wallet the ring belongs to.
func (r *PublicKeyRing) WalletID() string {
	return r.walletID
}

// SetWalletID binds the ring to a wallet.
func (r *PublicKeyRing) SetWalletID(id string) {
	r.walletID = id
}

// Net returns the bitcoin network of the ring.
func (r *PublicKeyRing) Net() *chaincfg.Params {
	return r.net
}

// NetworkName returns the wallet network name of the ring.
func (r *PublicKeyRing) NetworkName() string {
	return netparams.WalletName(r.net)
}

// RequiredCopayers returns M.
func (r *PublicKeyRing) RequiredCopayers() int {
	return r.requiredCopayers
}

// TotalCopayers returns N.
func (r *PublicKeyRing) TotalCopayers() int {
	return r.totalCopayers
}

// IsComplete returns whether every copayer has joined.
func (r *PublicKeyRing) IsComplete() bool {
	return len(r.copayers) == r.totalCopayers
}

// RegisteredCopayers returns the number of copayers that joined.
func (r *PublicKeyRing) RegisteredCopayers() int {
	return len(r.copayers)
}

// RemainingCopayers returns the number of copayers yet to join.
func (r *PublicKeyRing) RemainingCopayers() int {
	return r.totalCopayers - len(r.copayers)
}

// parseExtendedPubKey parses and validates a copayer extended public key.
func (r *PublicKeyRing) parseExtendedPubKey(xpub string) (*hdkeychain.ExtendedKey, error) {
	key, err := hdkeychain.NewKeyFromString(xpub)
	if err != nil {
		str := fmt.Sprintf("invalid extended public key %v", xpub)
		return nil, newError(ErrInvalidKey, str, err)
	}
	if key.IsPrivate() {
		str := fmt.Sprintf("private keys not accepted: %v", xpub)
		return nil, newError(ErrKeyIsPrivate, str, nil)
	}
	if !key.IsForNet(r.net) {
		str := fmt.Sprintf("extended key %v is not for %s", xpub,
			r.net.Name)
		return nil, newError(ErrWrongNetwork, str, nil)
	}
	return key, nil
}

// CopayerIDForKey returns the copayer id of an extended key: the hex encoded
// compressed public key.
func CopayerIDForKey(key *hdkeychain.ExtendedKey) (string, error) {
	pub, err := key.ECPubKey()
	if err != nil {
		return "", newError(ErrInvalidKey, "unable to obtain public key",
			err)
	}
	return hex.EncodeToString(pub.SerializeCompressed()), nil
}

// generateXPub creates a fresh random BIP45 branch key for the ring's
// network and returns its extended public key.
func (r *PublicKeyRing) generateXPub() (string, error) {
	seed, err := hdkeychain.GenerateSeed(hdkeychain.RecommendedSeedLen)
	if err != nil {
		return "", newError(ErrKeyChain, "unable to generate seed", err)
	}
	master, err := hdkeychain.NewMaster(seed, r.net)
	if err != nil {
		return "", newError(ErrKeyChain, "unable to create master key",
			err)
	}
	branch, err := BIP45Branch(master)
	if err != nil {
		return "", err
	}
	pub, err := branch.Neuter()
	if err != nil {
		return "", newError(ErrKeyChain, "unable to neuter key", err)
	}
	return pub.String(), nil
}

// AddCopayer registers a copayer and returns its extended public key.  When
// xpub is empty a new random key is generated.  The copayer is assigned the
// next free copayer index.
func (r *PublicKeyRing) AddCopayer(xpub, nickname string) (string, error) {
	if r.IsComplete() {
		str := fmt.Sprintf("ring already has all %d copayers",
			r.totalCopayers)
		return "", newError(ErrRingFull, str, nil)
	}

	if xpub == "" {
		var err error
		xpub, err = r.generateXPub()
		if err != nil {
			return "", err
		}
	}

	c, err := r.newCopayer(xpub)
	if err != nil {
		return "", err
	}
	if r.hasCopayer(c.id) {
		str := fmt.Sprintf("duplicated public key: %v", xpub)
		return "", newError(ErrDuplicateCopayer, str, nil)
	}

	r.appendCopayer(c)
	if nickname != "" {
		r.setNickname(c.id, nickname)
	}

	log.Debugf("Added copayer %d (%s) to ring %s", len(r.copayers)-1,
		c.id, r.walletID)

	return c.xpub, nil
}

func (r *PublicKeyRing) newCopayer(xpub string) (*copayer, error) {
	key, err := r.parseExtendedPubKey(xpub)
	if err != nil {
		return nil, err
	}
	id, err := CopayerIDForKey(key)
	if err != nil {
		return nil, err
	}
	return &copayer{xpub: key.String(), key: key, id: id}, nil
}

func (r *PublicKeyRing) hasCopayer(id string) bool {
	for _, c := range r.copayers {
		if c.id == id {
			return true
		}
	}
	return false
}

func (r *PublicKeyRing) appendCopayer(c *copayer) {
	r.copayers = append(r.copayers, c)
	r.scripts.Purge()
}

// setNickname records a nickname unless the copayer already has one.
func (r *PublicKeyRing) setNickname(id, nickname string) bool {
	if nickname == "" {
		return false
	}
	if _, ok := r.nicknames[id]; ok {
		return false
	}
	r.nicknames[id] = nickname
	return true
}

// ExtendedPubKeys returns the copayer extended public keys in copayer index
// order.
func (r *PublicKeyRing) ExtendedPubKeys() []string {
	keys := make([]string, len(r.copayers))
	for i, c := range r.copayers {
		keys[i] = c.xpub
	}
	return keys
}

// CopayerID returns the id of the copayer with the given index.
func (r *PublicKeyRing) CopayerID(copayerIndex uint32) (string, error) {
	if int64(copayerIndex) >= int64(len(r.copayers)) {
		str := fmt.Sprintf("no copayer with index %d", copayerIndex)
		return "", newError(ErrUnknownCosigner, str, nil)
	}
	return r.copayers[copayerIndex].id, nil
}

// CopayerIDs returns the ids of every registered copayer in index order.
func (r *PublicKeyRing) CopayerIDs() []string {
	ids := make([]string, len(r.copayers))
	for i, c := range r.copayers {
		ids[i] = c.id
	}
	return ids
}

// CopayerIndex returns the index of the copayer with the given id.
func (r *PublicKeyRing) CopayerIndex(id string) (uint32, error) {
	for i, c := range r.copayers {
		if c.id == id {
			return uint32(i), nil
		}
	}
	str := fmt.Sprintf("unknown copayer %s", id)
	return 0, newError(ErrUnknownCosigner, str, nil)
}

// CopayerKey returns the BIP45 branch extended public key of the copayer
// with the given id.
func (r *PublicKeyRing) CopayerKey(id string) (*hdkeychain.ExtendedKey, error) {
	i, err := r.CopayerIndex(id)
	if err != nil {
		return nil, err
	}
	return r.copayers[i].key, nil
}

// Nickname returns the nickname of a copayer, or the empty string.
func (r *PublicKeyRing) Nickname(id string) string {
	return r.nicknames[id]
}

// Nicknames returns a copy of the nicknames keyed by copayer id.
func (r *PublicKeyRing) Nicknames() map[string]string {
	m := make(map[string]string, len(r.nicknames))
	for id, n := range r.nicknames {
		m[id] = n
	}
	return m
}

// HDParams returns the live params of a copayer index or SharedIndex.
func (r *PublicKeyRing) HDParams(copayerIndex uint32) (*HDParams, error) {
	p, ok := r.indexes[copayerIndex]
	if !ok {
		str := fmt.Sprintf("no HD params for copayer %d", copayerIndex)
		return nil, newError(ErrUnknownCosigner, str, nil)
	}
	return p, nil
}

// Indexes returns the live params of every branch, ordered by copayer index
// with the shared branch last.
func (r *PublicKeyRing) Indexes() []*HDParams {
	list := make([]*HDParams, 0, len(r.indexes))
	for _, p := range r.indexes {
		list = append(list, p)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].CopayerIndex < list[j].CopayerIndex
	})
	return list
}

// MergeIndexes merges serialized params into the ring's params.  Every
// params entry must belong to a known branch.
func (r *PublicKeyRing) MergeIndexes(objs []HDParams) (bool, error) {
	for _, o := range objs {
		if _, err := r.HDParams(o.CopayerIndex); err != nil {
			return false, err
		}
	}

	changed := false
	for _, o := range objs {
		o := o
		merged, err := r.indexes[o.CopayerIndex].Merge(&o)
		if err != nil {
			return changed, err
		}
		changed = changed || merged
	}
	return changed, nil
}

// RedeemScriptForPath returns the M-of-N redeem script of the address at
// the given path.
func (r *PublicKeyRing) RedeemScriptForPath(p Path) ([]byte, error) {
	if !r.IsComplete() {
		str := fmt.Sprintf("ring has %d of %d copayers",
			len(r.copayers), r.totalCopayers)
		return nil, newError(ErrIncompleteRing, str, nil)
	}
	if _, err := r.HDParams(p.CopayerIndex); err != nil {
		return nil, err
	}

	cacheKey := p.String()
	if v, ok := r.scripts.Get(cacheKey); ok {
		return append([]byte(nil), v.([]byte)...), nil
	}

	pubKeys := make([][]byte, len(r.copayers))
	for i, c := range r.copayers {
		child, err := DeriveChild(c.key, p)
		if err != nil {
			return nil, err
		}
		pub, err := child.ECPubKey()
		if err != nil {
			str := fmt.Sprintf("child %v of copayer %d has no public "+
				"key", p, i)
			return nil, newError(ErrKeyChain, str, err)
		}
		pubKeys[i] = pub.SerializeCompressed()
	}
	sort.Slice(pubKeys, func(i, j int) bool {
		return bytes.Compare(pubKeys[i], pubKeys[j]) < 0
	})

	pks := make([]*btcutil.AddressPubKey, len(pubKeys))
	for i, pk := range pubKeys {
		var err error
		pks[i], err = btcutil.NewAddressPubKey(pk, r.net)
		if err != nil {
			str := fmt.Sprintf("public key %d of %v could not be "+
				"converted to an address", i, p)
			return nil, newError(ErrKeyChain, str, err)
		}
	}

	script, err := txscript.MultiSigScript(pks, r.requiredCopayers)
	if err != nil {
		str := fmt.Sprintf("error while making multisig script for %v",
			p)
		return nil, newError(ErrScriptCreation, str, err)
	}

	r.scripts.Add(cacheKey, script)
	return append([]byte(nil), script...), nil
}

func copayerOrShared(copayer fn.Option[uint32]) uint32 {
	return copayer.UnwrapOr(SharedIndex)
}

// RedeemScript returns the redeem script of the address at index on the
// branch of copayer, or of the shared branch when copayer is None.
func (r *PublicKeyRing) RedeemScript(index uint32, isChange bool,
	copayer fn.Option[uint32]) ([]byte, error) {

	return r.RedeemScriptForPath(Path{
		CopayerIndex: copayerOrShared(copayer),
		IsChange:     isChange,
		AddressIndex: index,
	})
}

// Address returns the P2SH address at index without touching any counter.
func (r *PublicKeyRing) Address(index uint32, isChange bool,
	copayer fn.Option[uint32]) (*btcutil.AddressScriptHash, error) {

	script, err := r.RedeemScript(index, isChange, copayer)
	if err != nil {
		return nil, err
	}
	addr, err := btcutil.NewAddressScriptHash(script, r.net)
	if err != nil {
		return nil, newError(ErrScriptCreation, "unable to create P2SH "+
			"address", err)
	}
	return addr, nil
}

// ScriptPubKey returns the output script paying to the address at index.
func (r *PublicKeyRing) ScriptPubKey(index uint32, isChange bool,
	copayer fn.Option[uint32]) ([]byte, error) {

	addr, err := r.Address(index, isChange, copayer)
	if err != nil {
		return nil, err
	}
	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, newError(ErrScriptCreation, "unable to create "+
			"output script", err)
	}
	return pkScript, nil
}

// GenerateAddress returns the next unused address of a branch and advances
// the branch counter.  Nothing changes when the ring is incomplete.
func (r *PublicKeyRing) GenerateAddress(isChange bool,
	copayer fn.Option[uint32]) (*btcutil.AddressScriptHash, error) {

	params, err := r.HDParams(copayerOrShared(copayer))
	if err != nil {
		return nil, err
	}
	addr, err := r.Address(params.Index(isChange), isChange, copayer)
	if err != nil {
		return nil, err
	}
	params.Increment(isChange)
	return addr, nil
}

// RedeemScriptMap returns the hex redeem script of every passed path.
func (r *PublicKeyRing) RedeemScriptMap(paths []string) (map[string]string, error) {
	m := make(map[string]string, len(paths))
	for _, s := range paths {
		p, err := ParsePath(s)
		if err != nil {
			return nil, err
		}
		script, err := r.RedeemScriptForPath(p)
		if err != nil {
			return nil, err
		}
		m[s] = hex.EncodeToString(script)
	}
	return m, nil
}

// AddressInfo describes a generated address.
type AddressInfo struct {
	Address      *btcutil.AddressScriptHash
	AddressStr   string
	Path         Path
	IsChange     bool
	Owned        bool
	RedeemScript []byte
}

// AddressesOpts filters the addresses returned by AddressesInfo.
type AddressesOpts struct {
	// ExcludeChange skips change addresses.
	ExcludeChange bool

	// ExcludeMain skips receive addresses.
	ExcludeMain bool

	// MyCopayerIndex marks addresses on this copayer's branch as owned.
	// Shared branch addresses are always owned.
	MyCopayerIndex fn.Option[uint32]
}

// AddressesInfo returns every address generated so far on every branch,
// ordered by copayer index (shared branch last), change addresses before
// receive addresses, each in generation order.
func (r *PublicKeyRing) AddressesInfo(opts AddressesOpts) ([]AddressInfo, error) {
	if !r.IsComplete() {
		return nil, nil
	}

	var infos []AddressInfo
	for _, params := range r.Indexes() {
		owned := params.IsShared()
		opts.MyCopayerIndex.WhenSome(func(i uint32) {
			owned = owned || params.CopayerIndex == i
		})

		for _, isChange := range []bool{true, false} {
			if isChange && opts.ExcludeChange ||
				!isChange && opts.ExcludeMain {

				continue
			}
			for i := uint32(0); i < params.Index(isChange); i++ {
				p := Path{params.CopayerIndex, isChange, i}
				script, err := r.RedeemScriptForPath(p)
				if err != nil {
					return nil, err
				}
				addr, err := btcutil.NewAddressScriptHash(
					script, r.net,
				)
				if err != nil {
					return nil, newError(ErrScriptCreation,
						"unable to create P2SH address",
						err)
				}
				infos = append(infos, AddressInfo{
					Address:      addr,
					AddressStr:   addr.EncodeAddress(),
					Path:         p,
					IsChange:     isChange,
					Owned:        owned,
					RedeemScript: script,
				})
			}
		}
	}
	return infos, nil
}

// Addresses returns the encoded addresses selected by opts.
func (r *PublicKeyRing) Addresses(opts AddressesOpts) ([]string, error) {
	infos, err := r.AddressesInfo(opts)
	if err != nil {
		return nil, err
	}
	addrs := make([]string, len(infos))
	for i, info := range infos {
		addrs[i] = info.AddressStr
	}
	return addrs, nil
}

// SetBackupReady records that a copayer backed up the wallet.  Repeated
// calls have no further effect.
func (r *PublicKeyRing) SetBackupReady(copayerID string) bool {
	return r.copayersBackup.Add(copayerID)
}

// RemainingBackups returns how many copayers still have to back up.
func (r *PublicKeyRing) RemainingBackups() int {
	n := r.totalCopayers - r.copayersBackup.Cardinality()
	if n < 0 {
		return 0
	}
	return n
}

// IsFullyBackup returns whether every copayer backed up.
func (r *PublicKeyRing) IsFullyBackup() bool {
	return r.RemainingBackups() == 0
}

// Backups returns the ids of the copayers that backed up, sorted.
func (r *PublicKeyRing) Backups() []string {
	ids := make([]string, 0, r.copayersBackup.Cardinality())
	for _, v := range r.copayersBackup.ToSlice() {
		ids = append(ids, v.(string))
	}
	sort.Strings(ids)
	return ids
}

// MergeBackups unions backup confirmations and reports whether any was new.
func (r *PublicKeyRing) MergeBackups(ids []string) bool {
	changed := false
	for _, id := range ids {
		if r.copayersBackup.Add(id) {
			changed = true
		}
	}
	return changed
}

// Merge folds another replica of the ring into r and reports whether r
// changed.  The rings must agree on network and M-of-N.  Their wallet ids
// must match unless force is set.  A complete ring refuses a replica that
// orders copayers differently unless force is set, in which case the local
// order is kept.  Nothing is modified when validation fails.
func (r *PublicKeyRing) Merge(other *PublicKeyRing, force bool) (bool, error) {
	if err := r.checkMergeable(other, force); err != nil {
		return false, err
	}

	var added []*copayer
	for _, c := range other.copayers {
		if r.hasCopayer(c.id) {
			continue
		}
		dup := false
		for _, a := range added {
			dup = dup || a.id == c.id
		}
		if !dup {
			added = append(added, c)
		}
	}
	if len(r.copayers)+len(added) > r.totalCopayers {
		str := fmt.Sprintf("merging %d new copayers exceeds the %d "+
			"copayers of the ring", len(added), r.totalCopayers)
		return false, newError(ErrRingFull, str, nil)
	}
	for _, o := range other.indexes {
		if _, err := r.HDParams(o.CopayerIndex); err != nil {
			return false, err
		}
	}

	changed := false
	if r.walletID == "" && other.walletID != "" {
		r.walletID = other.walletID
		changed = true
	}
	for _, c := range added {
		r.appendCopayer(c)
		changed = true
	}
	for id, nickname := range other.nicknames {
		if r.setNickname(id, nickname) {
			changed = true
		}
	}
	for _, o := range other.indexes {
		merged, err := r.indexes[o.CopayerIndex].Merge(o)
		if err != nil {
			return changed, err
		}
		changed = changed || merged
	}
	if r.MergeBackups(other.Backups()) {
		changed = true
	}

	if changed {
		log.Debugf("Merged ring %s: %d new copayers, %d of %d "+
			"registered", r.walletID, len(added), len(r.copayers),
			r.totalCopayers)
	}
	return changed, nil
}

func (r *PublicKeyRing) checkMergeable(other *PublicKeyRing, force bool) error {
	if other == nil {
		return newError(ErrConfigMismatch, "nil ring", nil)
	}
	if !force && r.walletID != "" && other.walletID != "" &&
		r.walletID != other.walletID {

		str := fmt.Sprintf("wallet id mismatch: %s != %s", r.walletID,
			other.walletID)
		return newError(ErrConfigMismatch, str, nil)
	}
	if r.net.Net != other.net.Net || r.net.Name != other.net.Name {
		str := fmt.Sprintf("network mismatch: %s != %s", r.net.Name,
			other.net.Name)
		return newError(ErrWrongNetwork, str, nil)
	}
	if r.requiredCopayers != other.requiredCopayers ||
		r.totalCopayers != other.totalCopayers {

		str := fmt.Sprintf("copayer count mismatch: %d-of-%d != "+
			"%d-of-%d", r.requiredCopayers, r.totalCopayers,
			other.requiredCopayers, other.totalCopayers)
		return newError(ErrConfigMismatch, str, nil)
	}
	if !r.IsComplete() || force {
		return nil
	}
	for i := 0; i < len(r.copayers) && i < len(other.copayers); i++ {
		if r.copayers[i].id != other.copayers[i].id {
			str := fmt.Sprintf("copayer %d differs: %s != %s", i,
				r.copayers[i].id, other.copayers[i].id)
			return newError(ErrRingConflict, str, nil)
		}
	}
	return nil
}

// RingObj is the serialized form of a ring.
type RingObj struct {
	WalletID           string            `json:"walletId"`
	NetworkName        string            `json:"networkName"`
	RequiredCopayers   int               `json:"requiredCopayers"`
	TotalCopayers      int               `json:"totalCopayers"`
	CopayersExtPubKeys []string          `json:"copayersExtPubKeys"`
	NicknameFor        map[string]string `json:"nicknameFor"`
	Indexes            []HDParams        `json:"indexes"`
	CopayersBackup     []string          `json:"copayersBackup"`
}

// ToObj returns the serialized form of the ring.
func (r *PublicKeyRing) ToObj() *RingObj {
	return &RingObj{
		WalletID:           r.walletID,
		NetworkName:        r.NetworkName(),
		RequiredCopayers:   r.requiredCopayers,
		TotalCopayers:      r.totalCopayers,
		CopayersExtPubKeys: r.ExtendedPubKeys(),
		NicknameFor:        r.Nicknames(),
		Indexes:            SerializeHDParams(r.Indexes()),
		CopayersBackup:     r.Backups(),
	}
}

// FromObj restores a ring from its serialized form.
func FromObj(obj *RingObj) (*PublicKeyRing, error) {
	if obj == nil {
		return nil, newError(ErrSerialization, "nil ring object", nil)
	}
	params, err := netparams.ByName(obj.NetworkName)
	if err != nil {
		return nil, newError(ErrSerialization, "unknown ring network",
			err)
	}
	r, err := New(Config{
		WalletID:         obj.WalletID,
		Net:              params.Params,
		RequiredCopayers: obj.RequiredCopayers,
		TotalCopayers:    obj.TotalCopayers,
	})
	if err != nil {
		return nil, err
	}

	for _, xpub := range obj.CopayersExtPubKeys {
		if _, err := r.AddCopayer(xpub, ""); err != nil {
			return nil, err
		}
	}
	for id, nickname := range obj.NicknameFor {
		r.setNickname(id, nickname)
	}
	for _, o := range obj.Indexes {
		p, err := r.HDParams(o.CopayerIndex)
		if err != nil {
			return nil, newError(ErrSerialization, "invalid ring "+
				"indexes", err)
		}
		*p = o
	}
	r.MergeBackups(obj.CopayersBackup)
	return r, nil
}
