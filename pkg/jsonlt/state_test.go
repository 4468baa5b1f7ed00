package jsonlt

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func Test_Replay_Folds_Ops_Last_Write_Wins(t *testing.T) {
	t.Parallel()

	a, b, c := MustKey("a"), MustKey("b"), MustKey(3)

	s := Replay([]Op{
		Upsert(a, Record{"id": "a", "v": 1}),
		Upsert(b, Record{"id": "b"}),
		Tombstone(a),
		Upsert(c, Record{"id": 3}),
		Upsert(a, Record{"id": "a", "v": 2}),
		Tombstone(b),
		Tombstone(MustKey("never")),
	})

	require.Equal(t, 2, s.Len())

	rec, ok := s.Get(a)
	require.True(t, ok)
	require.Equal(t, 2, rec["v"])

	_, ok = s.Get(b)
	require.False(t, ok)

	if diff := cmp.Diff([]string{`3`, `"a"`}, keyTexts(s.Keys())); diff != "" {
		t.Fatalf("keys mismatch (-want +got):\n%s", diff)
	}
}

func Test_State_Apply_Incrementally_Equals_Replay(t *testing.T) {
	t.Parallel()

	ops := []Op{
		Upsert(MustKey(1), Record{"id": 1}),
		Upsert(MustKey(2), Record{"id": 2}),
		Tombstone(MustKey(1)),
		Upsert(MustKey(2), Record{"id": 2, "x": true}),
	}

	s := NewState()
	for i, op := range ops {
		s.Apply(op)

		if !s.Equal(Replay(ops[:i+1])) {
			t.Fatalf("state after %d ops differs from replay", i+1)
		}
	}
}

func Test_State_Apply_Bumps_Version_For_Every_Op(t *testing.T) {
	t.Parallel()

	k := MustKey("k")
	s := NewState()

	require.Zero(t, s.Version(k))

	s.Apply(Tombstone(k))
	v1 := s.Version(k)
	require.NotZero(t, v1, "tombstone of an absent key still bumps the version")

	s.Apply(Upsert(k, Record{"id": "k"}))
	v2 := s.Version(k)
	require.Greater(t, v2, v1)

	s.Apply(Upsert(k, Record{"id": "k"}))
	require.Greater(t, s.Version(k), v2, "rewriting the same record still bumps the version")
}

func Test_State_Keys_Cache_Tracks_Membership_Changes(t *testing.T) {
	t.Parallel()

	s := NewState()
	s.Apply(Upsert(MustKey("b"), Record{}))
	require.Equal(t, []string{`"b"`}, keyTexts(s.Keys()))

	s.Apply(Upsert(MustKey("a"), Record{}))
	require.Equal(t, []string{`"a"`, `"b"`}, keyTexts(s.Keys()))

	s.Apply(Tombstone(MustKey("b")))
	require.Equal(t, []string{`"a"`}, keyTexts(s.Keys()))

	s.Apply(Tombstone(MustKey("zz")))
	require.Equal(t, []string{`"a"`}, keyTexts(s.Keys()))
}

func Test_State_Clone_Is_Independent(t *testing.T) {
	t.Parallel()

	s := Replay([]Op{Upsert(MustKey("a"), Record{"id": "a"})})
	_ = s.Keys()

	c := s.Clone()
	c.Apply(Upsert(MustKey("b"), Record{"id": "b"}))
	c.Apply(Tombstone(MustKey("a")))

	require.Equal(t, []string{`"a"`}, keyTexts(s.Keys()))
	require.Equal(t, []string{`"b"`}, keyTexts(c.Keys()))
	require.Zero(t, s.Version(MustKey("b")))
	require.NotEqual(t, s.Version(MustKey("a")), c.Version(MustKey("a")))
}

func Test_State_Rebase_Keeps_Versions_Of_Unchanged_Keys(t *testing.T) {
	t.Parallel()

	same, changed, gone, ghost := MustKey("same"), MustKey("changed"), MustKey("gone"), MustKey("ghost")

	prior := Replay([]Op{
		Upsert(same, Record{"id": "same", "v": "1"}),
		Upsert(changed, Record{"id": "changed", "v": "1"}),
		Upsert(gone, Record{"id": "gone"}),
		Tombstone(ghost),
	})

	// A rewrite of the same file by another process, with one real change.
	next := Replay([]Op{
		Upsert(same, Record{"id": "same", "v": "1"}),
		Upsert(changed, Record{"id": "changed", "v": "2"}),
	})
	freshChanged := next.Version(changed)

	next.rebase(prior)

	require.Equal(t, prior.Version(same), next.Version(same))
	require.Equal(t, prior.Version(ghost), next.Version(ghost))
	require.Equal(t, freshChanged, next.Version(changed))
	require.Zero(t, next.Version(gone), "a key removed by the rewrite must not keep its old version")
}
