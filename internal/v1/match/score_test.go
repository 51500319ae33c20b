package match

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/tinchat/server/internal/v1/types"
)

func TestInterestSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []string
		want float64
	}{
		{"identical", []string{"go", "chess"}, []string{"go", "chess"}, 1.0},
		{"disjoint", []string{"go"}, []string{"chess"}, 0.0},
		{"partial overlap", []string{"a", "b", "c"}, []string{"b", "c", "d"}, 0.5},
		{"case insensitive", []string{"Go", "CHESS"}, []string{"go", "chess"}, 1.0},
		{"both empty", nil, nil, 0.5},
		{"one empty", []string{"go"}, nil, 0.3},
		{"whitespace only counts as empty", []string{" ", ""}, []string{"go"}, 0.3},
		{"duplicates collapse", []string{"go", "go", "Go"}, []string{"go"}, 1.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, interestSimilarity(tt.a, tt.b), 1e-9)
		})
	}
}

func TestCommonInterests(t *testing.T) {
	got := CommonInterests([]string{"Go", "chess", "music"}, []string{"CHESS", "go", "films"})
	assert.Equal(t, []string{"chess", "go"}, got)

	assert.Nil(t, CommonInterests([]string{"go"}, []string{"chess"}))
	assert.Nil(t, CommonInterests(nil, []string{"go"}))
}

func TestWaitFactor(t *testing.T) {
	assert.InDelta(t, 0.0, waitFactor(0), 1e-9)
	assert.InDelta(t, 0.0, waitFactor(-time.Second), 1e-9)
	assert.InDelta(t, 0.5, waitFactor(150*time.Second), 1e-9)
	assert.InDelta(t, 1.0, waitFactor(5*time.Minute), 1e-9)
	assert.InDelta(t, 1.0, waitFactor(time.Hour), 1e-9)
}

func TestScore(t *testing.T) {
	fullAuth := func(socket, auth string, interests ...string) *types.User {
		return &types.User{
			SocketID:    types.SocketID(socket),
			AuthID:      types.AuthID(auth),
			Interests:   interests,
			DisplayName: "Ada",
			AvatarURL:   "https://cdn.example.com/a.png",
			Pronouns:    "she/her",
			Badges:      []types.Badge{{ID: "founder"}},
		}
	}

	t.Run("perfect pair saturates", func(t *testing.T) {
		u := fullAuth("s1", "a1", "go", "chess")
		c := fullAuth("s2", "a2", "go", "chess")
		got := score(u, c, 5*time.Minute, 0)
		assert.InDelta(t, 1.0, got, 1e-9)
	})

	t.Run("clamped at one", func(t *testing.T) {
		u := fullAuth("s1", "a1", "go")
		c := fullAuth("s2", "a2", "go")
		assert.InDelta(t, 1.0, score(u, c, 5*time.Minute, 1), 1e-9)
	})

	t.Run("bare anonymous pair", func(t *testing.T) {
		u := &types.User{SocketID: "s1"}
		c := &types.User{SocketID: "s2"}
		// Only the both-empty interest share contributes.
		assert.InDelta(t, 0.15, score(u, c, 0, 0), 1e-9)
	})

	t.Run("random share", func(t *testing.T) {
		u := &types.User{SocketID: "s1"}
		c := &types.User{SocketID: "s2"}
		assert.InDelta(t, 0.25, score(u, c, 0, 1), 1e-9)
	})

	t.Run("one sided interests", func(t *testing.T) {
		u := &types.User{SocketID: "s1", Interests: []string{"go"}}
		c := &types.User{SocketID: "s2"}
		assert.InDelta(t, 0.09, score(u, c, 0, 0), 1e-9)
	})

	t.Run("auth bonus needs both sides", func(t *testing.T) {
		u := &types.User{SocketID: "s1", AuthID: "a1"}
		c := &types.User{SocketID: "s2"}
		mixed := score(u, c, 0, 0)
		both := score(u, fullAuth("s2", "a2"), 0, 0)
		assert.InDelta(t, 0.15, mixed, 1e-9)
		assert.Greater(t, both, mixed)
	})
}
