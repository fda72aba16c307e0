package sqlstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docstore/internal/mapper"
	"docstore/internal/model"
)

func TestQuery(t *testing.T) {
	s := newTestStore(t, model.IDVarchar)
	seed(t, s)
	ctx := context.Background()
	m := begin(t, s)

	aged := hierRow("c", "root", "c", model.TypeFile, 1)
	aged.Put(model.KeyMixinTypes, "|"+model.FacetAged+"|")
	require.NoError(t, m.Write(ctx, &mapper.Batch{Creates: []*mapper.Row{aged, titleRow("c", "Gamma")}}))

	tests := []struct {
		name string
		q    *mapper.Query
		want []string
	}{
		{
			name: "all documents",
			q:    &mapper.Query{},
			want: []string{"a", "b", "c", "folder", "root"},
		},
		{
			name: "by primary type",
			q:    new(mapper.Query).Where(mapper.FieldPrimaryType, mapper.OpEq, model.TypeFile),
			want: []string{"a", "b", "c"},
		},
		{
			name: "title like",
			q:    new(mapper.Query).Where("dc:title", mapper.OpLike, "%report%"),
			want: []string{"a"},
		},
		{
			name: "array contains",
			q:    new(mapper.Query).Where("dc:subjects", mapper.OpEq, "sports"),
			want: []string{"b"},
		},
		{
			name: "array contains any",
			q:    new(mapper.Query).Where("dc:subjects", mapper.OpIn, []string{"q3", "sports"}),
			want: []string{"a", "b"},
		},
		{
			name: "ancestor",
			q:    new(mapper.Query).Where(mapper.FieldAncestorID, mapper.OpEq, "folder"),
			want: []string{"a", "b"},
		},
		{
			name: "ancestor root",
			q:    new(mapper.Query).Where(mapper.FieldAncestorID, mapper.OpEq, "root"),
			want: []string{"a", "b", "c", "folder"},
		},
		{
			name: "facet from type",
			q:    new(mapper.Query).Where(mapper.FieldMixinType, mapper.OpEq, model.FacetFolderish),
			want: []string{"folder", "root"},
		},
		{
			name: "facet from instance",
			q:    new(mapper.Query).Where(mapper.FieldMixinType, mapper.OpEq, model.FacetAged),
			want: []string{"c"},
		},
		{
			name: "without facet",
			q: new(mapper.Query).
				Where(mapper.FieldPrimaryType, mapper.OpEq, model.TypeFile).
				Where(mapper.FieldMixinType, mapper.OpNotEq, model.FacetAged),
			want: []string{"a", "b"},
		},
		{
			name: "parent in",
			q:    new(mapper.Query).Where(mapper.FieldParentID, mapper.OpIn, []string{"root"}),
			want: []string{"c", "folder"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			list, err := m.Query(ctx, tt.q, nil)
			require.NoError(t, err)
			assert.ElementsMatch(t, tt.want, list.IDs)
			assert.Equal(t, int64(-1), list.TotalSize)
		})
	}
}

func TestQueryOrderAndPaging(t *testing.T) {
	s := newTestStore(t, model.IDVarchar)
	seed(t, s)
	ctx := context.Background()
	m := begin(t, s)

	q := new(mapper.Query).
		Where(mapper.FieldAncestorID, mapper.OpEq, "root").
		OrderBy("dc:title", true)

	list, err := m.Query(ctx, q, &mapper.QueryFilter{Limit: 2, CountTotal: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"folder", "b"}, list.IDs)
	assert.Equal(t, int64(3), list.TotalSize)

	list, err = m.Query(ctx, q, &mapper.QueryFilter{Limit: 2, Offset: 2, CountTotal: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, list.IDs)
	assert.Equal(t, int64(3), list.TotalSize)
}

func TestQuerySecurityFilter(t *testing.T) {
	s := newTestStore(t, model.IDVarchar)
	seed(t, s)
	ctx := context.Background()
	m := begin(t, s)

	require.NoError(t, m.WriteReadACLs(ctx, map[string][]string{
		"a": {"alice"},
		"b": {"members"},
	}))

	q := new(mapper.Query).Where(mapper.FieldPrimaryType, mapper.OpEq, model.TypeFile)

	list, err := m.Query(ctx, q, &mapper.QueryFilter{Principals: []string{"alice"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, list.IDs)

	list, err = m.Query(ctx, q, &mapper.QueryFilter{Principals: []string{"alice", "members"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, list.IDs)

	list, err = m.Query(ctx, q, &mapper.QueryFilter{Principals: []string{"nobody"}})
	require.NoError(t, err)
	assert.Empty(t, list.IDs)
}

func TestQuerySkipsDeletedAndProperties(t *testing.T) {
	s := newTestStore(t, model.IDVarchar)
	seed(t, s)
	ctx := context.Background()
	m := begin(t, s)

	prop := hierRow("p", "a", "file:content", model.ContentType, 0)
	prop.Put(model.KeyIsProperty, true)
	require.NoError(t, m.Write(ctx, &mapper.Batch{
		Creates:     []*mapper.Row{prop},
		SoftDeletes: []string{"b"},
	}))

	list, err := m.Query(ctx, new(mapper.Query).Where(mapper.FieldAncestorID, mapper.OpEq, "folder"), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, list.IDs)
}

func TestQueryAndFetch(t *testing.T) {
	s := newTestStore(t, model.IDVarchar)
	seed(t, s)
	ctx := context.Background()
	m := begin(t, s)

	rows, err := m.QueryAndFetch(ctx,
		new(mapper.Query).Where(mapper.FieldParentID, mapper.OpEq, "folder").OrderBy(mapper.FieldName, false),
		nil, "dc:title", mapper.FieldName)
	require.NoError(t, err)
	assert.Equal(t, []map[string]any{
		{mapper.FieldID: "a", "dc:title": "Alpha report", mapper.FieldName: "a"},
		{mapper.FieldID: "b", "dc:title": "Beta notes", mapper.FieldName: "b"},
	}, rows)
}

func TestQueryRejectsInvalidInput(t *testing.T) {
	s := newTestStore(t, model.IDVarchar)
	ctx := context.Background()
	m := begin(t, s)

	_, err := m.Query(ctx, new(mapper.Query).Where("nope:field", mapper.OpEq, "x"), nil)
	assert.Error(t, err)

	_, err = m.Query(ctx, new(mapper.Query).Where("dc:title", mapper.OpIn, []string{}), nil)
	assert.Error(t, err)

	_, err = m.QueryAndFetch(ctx, &mapper.Query{}, nil, "dc:subjects")
	assert.Error(t, err)
}
