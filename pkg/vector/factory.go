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

package vector

import (
	"fmt"

	"github.com/memoros-io/memoros/pkg/config"
)

// New builds the configured provider, wrapped in the circuit breaker.
func New(cfg config.VectorConfig) (Provider, error) {
	var (
		inner Provider
		err   error
	)
	switch cfg.Provider {
	case "qdrant":
		inner, err = NewQdrantProvider(cfg.URL, cfg.APIKey, cfg.UseTLS, cfg.Collection)
	case "chromem":
		inner, err = NewChromemProvider(cfg.URL, cfg.Collection)
	case "", "disabled":
		return Disabled{}, nil
	default:
		return nil, fmt.Errorf("unknown vector provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	return WithBreaker(inner, cfg.BreakerMaxFailures, cfg.BreakerOpenInterval), nil
}
