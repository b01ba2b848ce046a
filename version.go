// Copyright (c) 2013-2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"

	"github.com/copaywallet/copayd/wallet"
)

// semanticAlphabet is the set of characters allowed in the pre-release
// portion of the version.
const semanticAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz-"

// appPreRelease is appended to the version string.  It must only contain
// characters from semanticAlphabet.
var appPreRelease = "beta"

// version returns the application version as a properly formed string per
// the semantic versioning 2.0.0 spec (http://semver.org/).  The wallet
// format version is the base version of the daemon.
func version() string {
	v := wallet.Version

	preRelease := normalizeVerString(appPreRelease)
	if preRelease != "" {
		v = fmt.Sprintf("%s-%s", v, preRelease)
	}
	return v
}

// normalizeVerString returns the passed string stripped of all characters
// which are not valid according to the semantic versioning guidelines for
// pre-release version and build metadata strings.
func normalizeVerString(str string) string {
	var result []rune
	for _, r := range str {
		for _, a := range semanticAlphabet {
			if r == a {
				result = append(result, r)
				break
			}
		}
	}
	return string(result)
}
