package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/sitexport/internal/domain"
)

func TestParseOverrides(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    map[string]int
		wantErr bool
	}{
		{name: "empty", in: "", want: map[string]int{}},
		{name: "pairs", in: "alpha=4, beta=2", want: map[string]int{"alpha": 4, "beta": 2}},
		{name: "missing value", in: "alpha", wantErr: true},
		{name: "zero", in: "alpha=0", wantErr: true},
		{name: "not a number", in: "alpha=x", wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := parseOverrides(tc.in)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, splitList(" a, ,b "))
	assert.Nil(t, splitList(""))
}

func TestProgressLine(t *testing.T) {
	pct := 42.0
	line := progressLine(domain.BulkRunSnapshot{Aggregate: domain.BulkAggregate{
		Percent: &pct,
		Counts: map[domain.SiteStatus]int{
			domain.SiteStatusRunning:   2,
			domain.SiteStatusCompleted: 1,
		},
	}})
	assert.Equal(t, "Bulk run progress: running=2 completed=1 (42.0%)", line)
}
