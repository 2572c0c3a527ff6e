package chunker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func marks(n int, lines ...int) []bool {
	t := make([]bool, n+2)
	for _, l := range lines {
		if l > 0 && l < len(t) {
			t[l] = true
		}
	}
	return t
}

func TestPartition(t *testing.T) {
	tests := []struct {
		name  string
		n     int
		tiers [][]bool
		want  []span
	}{
		{"short file", 5, nil, []span{{1, 5}}},
		{"exactly max", 150, nil, []span{{1, 150}}},
		{"one over max", 151, nil, []span{{1, 150}, {151, 151}}},
		{"200 lines", 200, nil, []span{{1, 150}, {151, 200}}},
		{"fixed windows", 400, nil, []span{{1, 150}, {151, 290}, {291, 400}}},
		{
			name:  "prefers top-level boundary",
			n:     300,
			tiers: [][]bool{marks(300, 100), marks(300)},
			want:  []span{{1, 99}, {100, 239}, {240, 300}},
		},
		{
			name:  "takes the last boundary of the first tier that has one",
			n:     300,
			tiers: [][]bool{marks(300, 40, 80, 120), marks(300, 149)},
			want:  []span{{1, 119}, {120, 148}, {149, 288}, {289, 300}},
		},
		{
			name:  "falls back to second tier",
			n:     300,
			tiers: [][]bool{marks(300), marks(300, 60, 130)},
			want:  []span{{1, 129}, {130, 269}, {270, 300}},
		},
		{
			name:  "ignores boundaries too close to the core start",
			n:     200,
			tiers: [][]bool{marks(200, 5, 11), marks(200)},
			want:  []span{{1, 150}, {151, 200}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, partition(tt.n, 150, 10, tt.tiers...))
		})
	}
}

func TestPartitionInvariants(t *testing.T) {
	for _, cfg := range []struct{ max, overlap int }{{150, 10}, {21, 10}, {50, 0}, {7, 3}} {
		for n := 1; n <= 400; n += 7 {
			cores := partition(n, cfg.max, cfg.overlap, marks(n, 3, n/3, n/2), marks(n, n/5, 2*n/3))
			assert.Equal(t, 1, cores[0].start)
			assert.Equal(t, n, cores[len(cores)-1].end)
			for i, c := range cores {
				start := c.start
				if i > 0 {
					assert.Equal(t, cores[i-1].end+1, c.start, "cores must be contiguous")
					start = max(1, c.start-cfg.overlap)
				}
				assert.LessOrEqual(t, c.end-start+1, cfg.max, "chunk exceeds max lines")
				if i < len(cores)-1 {
					assert.Greater(t, c.end-c.start+1, cfg.overlap, "non-final core too short")
				}
			}
		}
	}
}
