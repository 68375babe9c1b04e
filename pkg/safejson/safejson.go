// Copyright 2025 UMH Systems GmbH
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

// Package safejson encodes and decodes with goccy/go-json and falls back to
// encoding/json if goccy panics on an unusual payload.
package safejson

import (
	"encoding/base64"
	jsonstd "encoding/json"
	"errors"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

// ErrNilTarget is returned when Unmarshal receives a nil target.
var ErrNilTarget = errors.New("decoded must be a non-nil pointer")

// Unmarshal decodes val into decoded.
func Unmarshal(val []byte, decoded any) (err error) {
	if decoded == nil {
		return ErrNilTarget
	}

	defer func() {
		if r := recover(); r != nil {
			zap.S().Warnf("goccy failed to decode, attempting to use stdlib, error: %v (Payload: %s)",
				r, base64.StdEncoding.EncodeToString(val))

			err = jsonstd.Unmarshal(val, decoded)
		}
	}()

	return json.Unmarshal(val, decoded)
}

// Marshal encodes val.
func Marshal(val any) (encoded []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			zap.S().Warnf("goccy failed to encode, attempting to use stdlib, error: %v", r)

			encoded, err = jsonstd.Marshal(val)
		}
	}()

	return json.Marshal(val)
}

// Size returns the encoded length of val, or zero if it cannot be encoded.
func Size(val any) int64 {
	encoded, err := Marshal(val)
	if err != nil {
		return 0
	}

	return int64(len(encoded))
}

// MustMarshal marshals val and panics on failure.
func MustMarshal(val any) []byte {
	encoded, err := Marshal(val)
	if err != nil {
		panic(err)
	}

	return encoded
}
