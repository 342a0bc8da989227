// Copyright 2025 Memoros Authors
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

package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPermissionCovers(t *testing.T) {
	cases := []struct {
		held, action string
		want         bool
	}{
		{SharePermEdit, SharePermRead, true},
		{SharePermEdit, SharePermComment, true},
		{SharePermEdit, SharePermEdit, true},
		{SharePermEdit, "write", true},
		{SharePermComment, SharePermRead, true},
		{SharePermComment, SharePermComment, true},
		{SharePermComment, SharePermEdit, false},
		{SharePermComment, "write", false},
		{SharePermRead, SharePermRead, true},
		{SharePermRead, SharePermComment, false},
		{SharePermRead, SharePermEdit, false},
		{"bogus", SharePermRead, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, PermissionCovers(tc.held, tc.action),
			"held=%s action=%s", tc.held, tc.action)
	}
}
