package deploy

import (
	"context"
	"testing"

	"deployplane/internal/store"
	"deployplane/internal/store/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSysID(t *testing.T) {
	a := SysID("x_app", "abc123")
	assert.Equal(t, a, SysID("x_app", "abc123"))
	assert.Len(t, a, 64)
	assert.NotEqual(t, a, SysID("x_app", "abc124"))
	assert.NotEqual(t, a, SysID("y_app", "abc123"))
}

func TestFoldScopes(t *testing.T) {
	runs := []Run{
		{
			ID: "r1", ScopeName: "x_app", CommitID: "c1", UsID: "us1",
			ArtifactName: "a1", ArtifactFile: "a1.xml", MergedTs: 100,
			ConflictResolutions: map[string]string{"k1": "skip", "k2": "overwrite"},
			UpdateSet:           &UpdateSet{Name: "first"},
		},
		{
			ID: "r2", ScopeName: "y_app", CommitID: "c2",
			ArtifactName: "b1", ArtifactFile: "b1.xml", MergedTs: 150,
		},
		{
			ID: "r3", ScopeName: "x_app", CommitID: "c3", UsID: "us3",
			ArtifactName: "a2", ArtifactFile: "a2.xml", MergedTs: 200,
			ConflictResolutions: map[string]string{"k1": "overwrite"},
			UpdateSet:           &UpdateSet{Name: "second"},
		},
	}

	scopes, err := FoldScopes(runs)
	require.NoError(t, err)
	require.Len(t, scopes, 2)

	x := scopes[0]
	assert.Equal(t, "x_app", x.Name)
	assert.Equal(t, "us3", x.UsID)
	assert.Equal(t, []Artifact{
		{Name: "a1", File: "a1.xml", CommitID: "c1"},
		{Name: "a2", File: "a2.xml", CommitID: "c3"},
	}, x.Scope.Artifacts)
	assert.Equal(t, map[string]string{"k1": "overwrite", "k2": "overwrite"}, x.Scope.ConflictResolutions)
	require.NotNil(t, x.Scope.UpdateSet)
	assert.Equal(t, "second", x.Scope.UpdateSet.Name)

	y := scopes[1]
	assert.Equal(t, "y_app", y.Name)
	assert.Len(t, y.Scope.Artifacts, 1)
	assert.Empty(t, y.Scope.ConflictResolutions)
	assert.Nil(t, y.Scope.UpdateSet)
}

func TestFoldScopes_OutOfOrder(t *testing.T) {
	_, err := FoldScopes([]Run{
		{ID: "r1", ScopeName: "x", MergedTs: 200},
		{ID: "r2", ScopeName: "x", MergedTs: 100},
	})
	assert.ErrorIs(t, err, ErrRunsOutOfOrder)
}

func TestFoldScopes_Empty(t *testing.T) {
	scopes, err := FoldScopes(nil)
	require.NoError(t, err)
	assert.Empty(t, scopes)
}

func seed(t *testing.T, st store.Store, table string, values ...any) {
	t.Helper()
	for _, v := range values {
		doc, err := store.Encode(v)
		require.NoError(t, err)
		_, err = st.Insert(context.Background(), table, doc)
		require.NoError(t, err)
	}
}

func TestFindBaseline(t *testing.T) {
	st := memory.New()
	ctx := context.Background()

	b, err := FindBaseline(ctx, st, "app", "prod")
	require.NoError(t, err)
	assert.Equal(t, int64(-1), b.Ts)

	seed(t, st, store.TableDeployments,
		Deployment{ID: "d1", AppID: "app", To: "prod", State: StateCompleted, CommitID: "A", Ts: 100},
		Deployment{ID: "d2", AppID: "app", To: "prod", State: StateFailed, CommitID: "B", Ts: 300},
		Deployment{ID: "d3", AppID: "app", To: "prod", State: StateMissingReferences, CommitID: "C", Ts: 200},
		Deployment{ID: "d4", AppID: "app", To: "test", State: StateCompleted, CommitID: "D", Ts: 400},
		Deployment{ID: "d5", AppID: "other", To: "prod", State: StateCompleted, CommitID: "E", Ts: 500},
	)

	b, err = FindBaseline(ctx, st, "app", "prod")
	require.NoError(t, err)
	assert.Equal(t, Baseline{DeploymentID: "d3", CommitID: "C", Ts: 200}, b)

	seed(t, st, store.TableDeployments,
		Deployment{ID: "d6", AppID: "app", To: "prod", State: StateDelivered, CommitID: "F", Ts: 250},
	)
	b, err = FindBaseline(ctx, st, "app", "prod")
	require.NoError(t, err)
	assert.Equal(t, "F", b.CommitID)

	// The newest row is chosen by Ts, the boundary is the merge time it covered.
	seed(t, st, store.TableDeployments,
		Deployment{ID: "d7", AppID: "app", To: "prod", State: StateCompleted, CommitID: "G", MergedTs: 180, Ts: 900},
	)
	b, err = FindBaseline(ctx, st, "app", "prod")
	require.NoError(t, err)
	assert.Equal(t, Baseline{DeploymentID: "d7", CommitID: "G", Ts: 180}, b)
}

func TestMergedRunsSince(t *testing.T) {
	st := memory.New()
	seed(t, st, store.TableRuns,
		Run{ID: "r3", AppID: "app", Merged: true, MergedTs: 300},
		Run{ID: "r1", AppID: "app", Merged: true, MergedTs: 50},
		Run{ID: "r2", AppID: "app", Merged: true, MergedTs: 200},
		Run{ID: "r4", AppID: "app", Merged: false, MergedTs: 400},
		Run{ID: "r5", AppID: "other", Merged: true, MergedTs: 500},
	)

	runs, err := MergedRunsSince(context.Background(), st, "app", 100)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "r2", runs[0].ID)
	assert.Equal(t, "r3", runs[1].ID)

	all, err := MergedRunsSince(context.Background(), st, "app", -1)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}
