// Copyright (c) 2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package relay

import (
	"context"
	"errors"
	"net"

	"golang.org/x/net/proxy"
)

// ProxyDialer returns a DialFunc connecting through the SOCKS5 proxy at
// addr.  Empty credentials disable proxy authentication.
func ProxyDialer(addr, user, pass string) (DialFunc, error) {
	var auth *proxy.Auth
	if user != "" || pass != "" {
		auth = &proxy.Auth{User: user, Password: pass}
	}

	dialer, err := proxy.SOCKS5("tcp", addr, auth, proxy.Direct)
	if err != nil {
		return nil, err
	}
	ctxDialer, ok := dialer.(proxy.ContextDialer)
	if !ok {
		return nil, errors.New("proxy dialer does not support contexts")
	}

	return func(ctx context.Context, network, address string) (net.Conn, error) {
		return ctxDialer.DialContext(ctx, network, address)
	}, nil
}
