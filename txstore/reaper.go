// Copyright 2024 The solray Authors
// This file is part of the solray library.
//
// The solray library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The solray library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the solray library. If not, see <http://www.gnu.org/licenses/>.

package txstore

import "time"

// DefaultReapInterval paces the expiry scan. One slot time is frequent
// enough; expiry granularity is GraceSlots anyway.
const DefaultReapInterval = 400 * time.Millisecond

// RunReaper periodically evicts expired entries until exit is closed.
// It is meant to run on its own goroutine.
func (s *Store) RunReaper(interval time.Duration, exit <-chan struct{}) {
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Reap()
		case <-exit:
			return
		}
	}
}
