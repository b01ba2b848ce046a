// Copyright (c) 2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package keyring

import (
	"fmt"
	"sort"
)

// SharedIndex is the copayer index of the branch shared by every copayer.
// It is the largest non-hardened child index.
const SharedIndex uint32 = 0x7fffffff

// HDParams tracks how many receive and change addresses have been generated
// on one copayer branch.  Both counters only ever grow.
type HDParams struct {
	CopayerIndex uint32 `json:"copayerIndex"`
	ReceiveIndex uint32 `json:"receiveIndex"`
	ChangeIndex  uint32 `json:"changeIndex"`
}

// NewHDParams returns zeroed params for the given copayer index.
func NewHDParams(copayerIndex uint32) *HDParams {
	return &HDParams{CopayerIndex: copayerIndex}
}

// InitHDParams returns one HDParams per copayer index 0..totalCopayers-1
// followed by the params of the shared branch.
func InitHDParams(totalCopayers int) []*HDParams {
	if totalCopayers < 0 {
		totalCopayers = 0
	}
	params := make([]*HDParams, 0, totalCopayers+1)
	for i := 0; i < totalCopayers; i++ {
		params = append(params, NewHDParams(uint32(i)))
	}
	return append(params, NewHDParams(SharedIndex))
}

// IsShared returns whether the params belong to the shared branch.
func (p *HDParams) IsShared() bool {
	return p.CopayerIndex == SharedIndex
}

// Index returns the change or receive counter.
func (p *HDParams) Index(isChange bool) uint32 {
	if isChange {
		return p.ChangeIndex
	}
	return p.ReceiveIndex
}

// Increment bumps the change or receive counter and returns its new value.
func (p *HDParams) Increment(isChange bool) uint32 {
	if isChange {
		p.ChangeIndex++
		return p.ChangeIndex
	}
	p.ReceiveIndex++
	return p.ReceiveIndex
}

// Raise sets the change or receive counter to v when v is larger than the
// current value.  It reports whether the counter moved.
func (p *HDParams) Raise(isChange bool, v uint32) bool {
	cur := &p.ReceiveIndex
	if isChange {
		cur = &p.ChangeIndex
	}
	if v <= *cur {
		return false
	}
	*cur = v
	return true
}

// Merge folds other into p, keeping the maximum of each counter.  It returns
// true when any counter of p increased.  Params of different copayer indexes
// can not be merged.
func (p *HDParams) Merge(other *HDParams) (bool, error) {
	if other == nil {
		return false, nil
	}
	if p.CopayerIndex != other.CopayerIndex {
		str := fmt.Sprintf("cannot merge params of copayer %d into "+
			"params of copayer %d", other.CopayerIndex,
			p.CopayerIndex)
		return false, newError(ErrMergeMismatch, str, nil)
	}

	changed := p.Raise(false, other.ReceiveIndex)
	if p.Raise(true, other.ChangeIndex) {
		changed = true
	}
	return changed, nil
}

// ToObj returns a copy of the params suitable for serialization.
func (p *HDParams) ToObj() HDParams {
	return *p
}

// HDParamsFromObj restores params from their serialized form.
func HDParamsFromObj(o HDParams) *HDParams {
	p := o
	return &p
}

// SerializeHDParams converts a list of params to serialized form, ordered by
// copayer index with the shared branch last.
func SerializeHDParams(list []*HDParams) []HDParams {
	objs := make([]HDParams, 0, len(list))
	for _, p := range list {
		objs = append(objs, p.ToObj())
	}
	sort.Slice(objs, func(i, j int) bool {
		return objs[i].CopayerIndex < objs[j].CopayerIndex
	})
	return objs
}

// HDParamsFromList restores a list of params from serialized form.
func HDParamsFromList(objs []HDParams) []*HDParams {
	list := make([]*HDParams, 0, len(objs))
	for _, o := range objs {
		list = append(list, HDParamsFromObj(o))
	}
	return list
}
