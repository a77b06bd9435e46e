// Copyright (C) The Strato Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package auth provides HTTP middleware for the management API's
// token check.
package auth

import (
	"net/http"
	"strings"
)

// TokensFromRequest extracts bearer tokens from the Authorization
// header.
func TokensFromRequest(r *http.Request) []string {
	var tokens []string
	for _, hdr := range r.Header.Values("Authorization") {
		if tok, ok := strings.CutPrefix(hdr, "Bearer "); ok {
			tokens = append(tokens, tok)
		}
	}
	return tokens
}

// RequireLiteralToken wraps next with a check that the request
// carries the given literal bearer token. An empty token disables the
// check.
func RequireLiteralToken(token string, next http.Handler) http.Handler {
	if token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokens := TokensFromRequest(r)
		if len(tokens) == 0 {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		for _, t := range tokens {
			if t == token {
				next.ServeHTTP(w, r)
				return
			}
		}
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
	})
}
