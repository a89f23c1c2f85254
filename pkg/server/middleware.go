// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"net"
	"net/http"
	"strings"
)

type contextKey int

const clientIPKey contextKey = iota

// clientIPMiddleware resolves the real client IP through the configured
// trusted proxies and stores it in the request context for logging and
// token history.
func (s *Server) clientIPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), clientIPKey, s.clientIP(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// clientIP returns the peer address, or, when trusted proxies are
// configured, the X-Forwarded-For list right-trimmed of proxy entries:
// entries are dropped from the right while they fall inside a proxy CIDR,
// until a non-proxy entry or a single entry remains.
func (s *Server) clientIP(r *http.Request) string {
	peer := r.RemoteAddr
	if host, _, err := net.SplitHostPort(peer); err == nil {
		peer = host
	}
	if len(s.cfg.ProxyCIDRs) == 0 {
		return peer
	}

	var entries []string
	for _, header := range r.Header.Values("X-Forwarded-For") {
		for _, entry := range strings.Split(header, ",") {
			if entry = strings.TrimSpace(entry); entry != "" {
				entries = append(entries, entry)
			}
		}
	}
	if len(entries) == 0 {
		return peer
	}

	i := len(entries) - 1
	for i > 0 && s.isProxy(entries[i]) {
		i--
	}
	return entries[i]
}

func (s *Server) isProxy(entry string) bool {
	ip := net.ParseIP(entry)
	if ip == nil {
		return false
	}
	for _, cidr := range s.cfg.ProxyCIDRs {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

// clientIP returns the IP stored by clientIPMiddleware.
func clientIP(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey).(string)
	return ip
}
