package query

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestFilterMatchJSON(t *testing.T) {
	row := []byte(`{"id":"c1","participant_1":"alice","participant_2":"bob","read":false,"votes":3}`)

	cases := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"zero filter matches", Filter{}, true},
		{"eq string", Where(Eq("participant_1", "alice")), true},
		{"eq mismatch", Where(Eq("participant_1", "bob")), false},
		{"eq bool", Where(Eq("read", false)), true},
		{"eq number", Where(Eq("votes", 3)), true},
		{"neq", Where(Neq("participant_2", "alice")), true},
		{"in", Where(In("id", "c0", "c1")), true},
		{"in miss", Where(In("id", "c0", "c2")), false},
		{"or group hit second", Filter{}.Or(Eq("participant_1", "bob"), Eq("participant_2", "bob")), true},
		{"or group miss", Filter{}.Or(Eq("participant_1", "carol"), Eq("participant_2", "carol")), false},
		{"and plus or", Where(Eq("read", true)).Or(Eq("participant_1", "alice")), false},
		{"missing column is null", Where(Eq("deleted_at", nil)), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := tc.filter.MatchJSON(row)
			if err != nil {
				t.Fatalf("MatchJSON: %v", err)
			}
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestFilterMatchJSONInvalid(t *testing.T) {
	if _, err := Where(Eq("id", "x")).MatchJSON([]byte(`not json`)); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestFilterBuildersDoNotAlias(t *testing.T) {
	base := Where(Eq("user_id", "u1"))
	a := base.And(Eq("read", false))
	b := base.And(Eq("read", true))
	assert.Equal(t, 1, len(base.All))
	assert.Equal(t, "user_id=eq.u1&read=eq.false", a.String())
	assert.Equal(t, "user_id=eq.u1&read=eq.true", b.String())
}

func TestFilterString(t *testing.T) {
	f := Filter{}.Or(Eq("participant_1", "v"), Eq("participant_2", "v"))
	assert.Equal(t, "or(participant_1=eq.v,participant_2=eq.v)", f.String())
	assert.Equal(t, "*", Filter{}.String())
	assert.Equal(t, "id=in.(a,b)", Where(In("id", "a", "b")).String())
}
