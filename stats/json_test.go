/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package stats

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJSONStatsCounters(t *testing.T) {
	j := NewJSONStats()
	j.IncRequests()
	j.IncRequests()
	j.IncResponses()
	j.IncInvalidFormat()
	j.IncDrops()
	j.SetIterativeCount(3)
	j.SetSubscriberCount(2)
	j.SetOffset("127.0.0.1:3001", -1500)

	c := j.Counters()
	require.Equal(t, float64(2), c["requests"])
	require.Equal(t, float64(1), c["responses"])
	require.Equal(t, float64(1), c["invalidformat"])
	require.Equal(t, float64(1), c["drops"])
	require.Equal(t, float64(3), c["iterative_requests"])
	require.Equal(t, float64(2), c["subscribers"])
	require.Equal(t, float64(-1500), c["offset.127.0.0.1:3001"])
}

func TestJSONStatsPrefix(t *testing.T) {
	j := NewJSONStats()
	j.SetPrefix("clockoffset.")
	j.IncRequests()

	c := j.Counters()
	require.Equal(t, float64(1), c["clockoffset.requests"])
}
