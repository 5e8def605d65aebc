// SPDX-License-Identifier: AGPL-3.0-or-later

/*
Mould - A deployment orchestration server that runs typed jobs against
configured environments through loadable resource extensions.

Copyright (C) 2025  The Mould Authors

This program is free software licensed under the terms of the GNU AGPL v3 or later.

See https://www.gnu.org/licenses/ for license details.
*/

package cryptoutil

import (
	"math/big"
	"strings"
)

const base62Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// Base62Encode renders data as a base62 string. Leading zero bytes are
// preserved as leading '0' characters so decoding round-trips exactly.
func Base62Encode(data []byte) string {
	var zeros int
	for zeros < len(data) && data[zeros] == 0 {
		zeros++
	}
	n := new(big.Int).SetBytes(data)
	base := big.NewInt(62)
	mod := new(big.Int)
	var sb strings.Builder
	for n.Sign() > 0 {
		n.DivMod(n, base, mod)
		sb.WriteByte(base62Alphabet[mod.Int64()])
	}
	out := []byte(sb.String())
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return strings.Repeat("0", zeros) + string(out)
}

// Base62Decode reverses Base62Encode.
func Base62Decode(s string) ([]byte, error) {
	var zeros int
	for zeros < len(s) && s[zeros] == '0' {
		zeros++
	}
	n := new(big.Int)
	base := big.NewInt(62)
	for i := zeros; i < len(s); i++ {
		idx := strings.IndexByte(base62Alphabet, s[i])
		if idx < 0 {
			return nil, cryptoErrf("base62 decode", "invalid character %q", s[i])
		}
		n.Mul(n, base)
		n.Add(n, big.NewInt(int64(idx)))
	}
	out := n.Bytes()
	if zeros > 0 {
		out = append(make([]byte, zeros), out...)
	}
	return out, nil
}
