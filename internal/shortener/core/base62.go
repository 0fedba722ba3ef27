// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package core

import (
	"fmt"
	"math"
	"strings"
)

// Base62Alphabet orders digits before lowercase before uppercase, so encoded
// IDs sort the same way the numeric IDs do for equal-length codes.
const Base62Alphabet = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

// EncodeID renders id in base 62 and left-pads with '0' to length. IDs large
// enough to exceed length are returned unpadded at their natural width.
func EncodeID(id int64, length int) (string, error) {
	if id < 0 {
		return "", fmt.Errorf("encode id %d: %w", id, ErrInvalidArgument)
	}
	if id == 0 {
		return strings.Repeat("0", max(length, 1)), nil
	}
	var buf [11]byte // 62^11 > 2^63
	i := len(buf)
	for id > 0 {
		i--
		buf[i] = Base62Alphabet[id%62]
		id /= 62
	}
	code := string(buf[i:])
	if pad := length - len(code); pad > 0 {
		code = strings.Repeat("0", pad) + code
	}
	return code, nil
}

// DecodeCode inverts EncodeID. Leading '0' padding is ignored, so
// DecodeCode(EncodeID(id, n)) == id for every non-negative id and width n.
func DecodeCode(code string) (int64, error) {
	if code == "" {
		return 0, fmt.Errorf("decode empty code: %w", ErrInvalidArgument)
	}
	var id int64
	for _, c := range code {
		idx := strings.IndexRune(Base62Alphabet, c)
		if idx < 0 {
			return 0, fmt.Errorf("decode code %q: invalid character %q: %w", code, c, ErrInvalidArgument)
		}
		if id > (math.MaxInt64-int64(idx))/62 {
			return 0, fmt.Errorf("decode code %q: value overflows int64: %w", code, ErrInvalidArgument)
		}
		id = id*62 + int64(idx)
	}
	return id, nil
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
