package jsonlt_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/jsonlt/pkg/jsonlt"
)

type user struct {
	ID    string   `json:"id"`
	Name  string   `json:"name"`
	Age   int      `json:"age,omitempty"`
	Roles []string `json:"roles,omitempty"`
}

func Test_Typed_Roundtrips_Structs_Through_The_Table(t *testing.T) {
	t.Parallel()

	path := testPath(t)
	users := jsonlt.NewTyped[user](openTestTable(t, path))

	alice := user{ID: uuid.NewString(), Name: "Alice", Age: 31, Roles: []string{"admin"}}
	bob := user{ID: uuid.NewString(), Name: "Bob"}

	require.NoError(t, users.Put(t.Context(), alice))
	require.NoError(t, users.Put(t.Context(), bob))

	got, ok, err := users.Get(mustKey(t, alice.ID))
	require.NoError(t, err)
	require.True(t, ok)

	if diff := cmp.Diff(alice, got); diff != "" {
		t.Fatalf("Get mismatch (-want +got):\n%s", diff)
	}

	reopened := jsonlt.NewTyped[user](openTestTable(t, path))

	var names []string

	for u, err := range reopened.Find(func(u user) bool { return u.Age == 0 }) {
		require.NoError(t, err)

		names = append(names, u.Name)
	}

	require.Equal(t, []string{"Bob"}, names)

	existed, err := reopened.Delete(t.Context(), mustKey(t, bob.ID))
	require.NoError(t, err)
	require.True(t, existed)

	var all []user

	for u, err := range reopened.All() {
		require.NoError(t, err)

		all = append(all, u)
	}

	require.Len(t, all, 1)
	require.Equal(t, alice.ID, all[0].ID)
}

func Test_Typed_Put_Fails_With_ErrKey_When_Key_Field_Missing(t *testing.T) {
	t.Parallel()

	type noID struct {
		Name string `json:"name"`
	}

	tbl := openTestTable(t, testPath(t))

	err := jsonlt.NewTyped[noID](tbl).Put(t.Context(), noID{Name: "x"})
	require.ErrorIs(t, err, jsonlt.ErrKey)
}

func Test_ToRecord_Fails_When_Value_Is_Not_An_Object(t *testing.T) {
	t.Parallel()

	_, err := jsonlt.ToRecord(42)
	require.ErrorIs(t, err, jsonlt.ErrKey)
}

func Test_SchemaFor_Describes_Struct_Fields(t *testing.T) {
	t.Parallel()

	schema, err := jsonlt.SchemaFor[user]()
	require.NoError(t, err)

	require.Equal(t, "object", schema["type"])

	props, ok := schema["properties"].(map[string]any)
	require.True(t, ok, "properties=%T", schema["properties"])
	require.Contains(t, props, "id")
	require.Contains(t, props, "roles")

	path := testPath(t)
	openTestTable(t, path, withOptions(func(o *jsonlt.Options) {
		o.CreateHeader = true
		o.Schema = schema
	}))

	reopened := openTestTable(t, path)

	h := reopened.Header()
	require.NotNil(t, h)
	require.Equal(t, schema, h.Schema)
}
