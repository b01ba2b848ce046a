// Copyright (c) 2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"errors"
	"math"
	"math/rand"
	"time"
)

// calculateMinMax returns the bounds of a duration d jittered by scaler:
//   - min: d * (1 - scaler), or 0 if scaler > 1,
//   - max: d * (1 + scaler).
func calculateMinMax(d time.Duration, scaler float64) (int64, int64) {
	if scaler < 0 {
		panic(errors.New("scaler must be positive"))
	}

	min := math.Floor(float64(d) * (1 - scaler))
	max := math.Ceil(float64(d) * (1 + scaler))
	if 1-scaler < 0 {
		min = 0
	}

	return int64(min), int64(max)
}

// jitter returns a random duration within the bounds of calculateMinMax.
//
// NOTE: when scaler is 0, d is returned unchanged.
func jitter(d time.Duration, scaler float64) time.Duration {
	min, max := calculateMinMax(d, scaler)
	if max == min {
		return d
	}

	return time.Duration(rand.Int63n(max-min) + min) //nolint:gosec
}

// retryDelay returns the pause before retry number attempt (starting at 0).
// The delay grows linearly with the attempt and is jittered so that
// concurrent callers do not retry in lockstep.
func retryDelay(base time.Duration, attempt int, scaler float64) time.Duration {
	return jitter(base*time.Duration(attempt+1), scaler)
}
