// Copyright 2025 Edgeo SCADA
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

package session

import "time"

// Subscription groups the items of a session that share a requested
// publishing interval.
type Subscription struct {
	requested time.Duration
	revised   time.Duration
	items     []*Item
	handle    ProtocolSubscription
}

func newSubscription(interval time.Duration) *Subscription {
	return &Subscription{requested: interval, revised: interval}
}

// RequestedInterval returns the grouping key of the subscription.
func (s *Subscription) RequestedInterval() time.Duration {
	return s.requested
}

func (s *Subscription) detach() {
	s.handle = nil
	s.revised = s.requested
	for _, it := range s.items {
		it.detach()
	}
}
