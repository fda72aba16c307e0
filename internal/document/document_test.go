package document

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docstore/internal/mapper"
	"docstore/internal/mapper/sqlstore"
	"docstore/internal/model"
	"docstore/internal/storage"
	"docstore/internal/storeerr"
)

var (
	alice = Principal{Name: "alice", Groups: []string{"administrators"}}
	bob   = Principal{Name: "bob", Groups: []string{"members"}}
)

func newRepo(t *testing.T) *storage.Repository {
	t.Helper()
	ctx := context.Background()
	logger, _ := test.NewNullLogger()
	log := logrus.NewEntry(logger)

	m, err := model.New(model.NewRegistry(), model.IDVarchar, model.FulltextConfig{})
	require.NoError(t, err)
	store, err := sqlstore.Open(ctx, m, sqlstore.Config{
		Dialect:         "sqlite",
		DSN:             filepath.Join(t.TempDir(), "docs.db"),
		MaxOpen:         6,
		BlockingTimeout: 2 * time.Second,
		Logger:          log,
	})
	require.NoError(t, err)
	repo, err := storage.Open(ctx, storage.Options{Name: "docs", Backend: store, Model: m, Logger: log})
	require.NoError(t, err)
	t.Cleanup(func() { repo.Shutdown() })
	return repo
}

func openAs(t *testing.T, repo *storage.Repository, p Principal) *Session {
	t.Helper()
	st, err := repo.OpenSession()
	require.NoError(t, err)
	s := NewSession(st, p)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Begin(context.Background()))
	return s
}

func TestScalarAndArrayValues(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	s := openAs(t, repo, alice)

	doc, err := s.CreateDocument(ctx, PathRef("/"), "doc", model.TypeFile)
	require.NoError(t, err)
	require.NoError(t, doc.SetValue(ctx, "dc:title", "title"))
	require.NoError(t, doc.SetValue(ctx, "dc:subjects", []string{"a", "b"}))

	title, err := doc.GetValue(ctx, "dc:title")
	require.NoError(t, err)
	assert.Equal(t, "title", title)
	subjects, err := doc.GetValue(ctx, "dc:subjects")
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, subjects)
	creator, err := doc.GetValue(ctx, "dc:creator")
	require.NoError(t, err)
	assert.Equal(t, "alice", creator)
	created, err := doc.GetValue(ctx, "dc:created")
	require.NoError(t, err)
	assert.IsType(t, time.Time{}, created)

	_, err = doc.GetValue(ctx, "dc:title/x")
	assert.ErrorIs(t, err, storeerr.ErrInvalidArgument)
	_, err = doc.GetValue(ctx, "nope:field")
	assert.ErrorIs(t, err, storeerr.ErrInvalidArgument)
	require.NoError(t, s.Commit(ctx))

	other := openAs(t, repo, bob)
	exists, err := other.Exists(ctx, PathRef("/doc"))
	require.NoError(t, err)
	assert.True(t, exists)
	exists, err = other.Exists(ctx, PathRef("/missing"))
	require.NoError(t, err)
	assert.False(t, exists)

	found, err := other.GetDocument(ctx, PathRef("/doc"))
	require.NoError(t, err)
	info, err := found.Info(ctx)
	require.NoError(t, err)
	root, err := other.GetRootDocument(ctx)
	require.NoError(t, err)
	assert.Equal(t, doc.ID(), info.ID)
	assert.Equal(t, "/doc", info.Path)
	assert.Equal(t, root.ID(), info.ParentID)
	assert.Equal(t, model.TypeFile, info.Type)
	assert.ElementsMatch(t, []string{model.FacetVersionable, model.FacetDownloadable}, info.Facets)
	assert.False(t, info.IsFolder)
	assert.False(t, info.IsCheckedIn)
}

func TestComplexListAndBlobValues(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	s := openAs(t, repo, alice)
	doc, err := s.CreateDocument(ctx, PathRef("/"), "doc", model.TypeFile)
	require.NoError(t, err)

	content := NewBlob("report.txt", "text/plain", []byte("quarterly numbers"))
	require.NoError(t, doc.SetValue(ctx, "file:content", content))
	got, err := doc.GetBlob(ctx, "file:content")
	require.NoError(t, err)
	assert.Equal(t, content, got)
	name, err := doc.GetValue(ctx, "file:content/name")
	require.NoError(t, err)
	assert.Equal(t, "report.txt", name)

	assert.ErrorIs(t, doc.SetValue(ctx, "file:content", map[string]any{"name": "x"}), storeerr.ErrInvalidArgument)

	attachment := NewBlob("a.png", "image/png", []byte{1, 2, 3})
	require.NoError(t, doc.SetValue(ctx, "files:files", []map[string]any{
		{"filename": "first", "file": attachment},
		{"filename": "second"},
	}))
	require.NoError(t, s.Save(ctx))

	files, err := doc.GetValue(ctx, "files:files")
	require.NoError(t, err)
	want := []map[string]any{
		{"filename": "first", "file": attachment},
		{"filename": "second"},
	}
	if diff := cmp.Diff(want, files); diff != "" {
		t.Errorf("files (-want +got):\n%s", diff)
	}
	second, err := doc.GetValue(ctx, "files:files/1/filename")
	require.NoError(t, err)
	assert.Equal(t, "second", second)
	_, err = doc.GetValue(ctx, "files:files/2")
	assert.ErrorIs(t, err, storeerr.ErrInvalidArgument)

	require.NoError(t, doc.SetValue(ctx, "files:files/1/filename", "renamed"))
	require.NoError(t, doc.SetValue(ctx, "files:files", []any{map[string]any{"filename": "only"}}))
	files, err = doc.GetValue(ctx, "files:files")
	require.NoError(t, err)
	assert.Equal(t, []map[string]any{{"filename": "only"}}, files)

	assert.ErrorIs(t, doc.SetValue(ctx, "files:files", []map[string]any{{"bogus": 1}}), storeerr.ErrInvalidArgument)
	require.NoError(t, doc.SetValue(ctx, "files:files", nil))
	require.NoError(t, doc.SetValue(ctx, "file:content", nil))
	require.NoError(t, s.Commit(ctx))

	require.NoError(t, s.Begin(ctx))
	files, err = doc.GetValue(ctx, "files:files")
	require.NoError(t, err)
	assert.Nil(t, files)
	blob, err := doc.GetBlob(ctx, "file:content")
	require.NoError(t, err)
	assert.Nil(t, blob)
}

func TestBlobDigest(t *testing.T) {
	data := []byte("some binary content")
	a := NewBlob("a", "application/octet-stream", data)
	b, err := ReadBlob("a", "application/octet-stream", bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a.Digest, 64)
	assert.Equal(t, int64(len(data)), a.Length)
	assert.NotEqual(t, a.Digest, NewBlob("a", "", []byte("other")).Digest)
}

func TestPermissionChecks(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	admin := openAs(t, repo, alice)
	private, err := admin.CreateDocument(ctx, PathRef("/"), "private", model.TypeFolder)
	require.NoError(t, err)
	require.NoError(t, private.SetACP(ctx, storage.ACP{{Name: "local", Entries: []storage.ACE{
		{Principal: "alice", Permission: storage.Everything, Grant: true},
		{Principal: storage.Everyone, Permission: storage.Everything, Grant: false},
	}}}))
	_, err = admin.CreateDocument(ctx, PathRef("/private"), "secret", model.TypeFile)
	require.NoError(t, err)
	public, err := admin.CreateDocument(ctx, PathRef("/"), "public", model.TypeFile)
	require.NoError(t, err)
	require.NoError(t, admin.Commit(ctx))

	reader := openAs(t, repo, bob)
	_, err = reader.GetDocument(ctx, PathRef("/private"))
	assert.ErrorIs(t, err, storeerr.ErrSecurityViolation)
	exists, err := reader.Exists(ctx, PathRef("/private/secret"))
	require.NoError(t, err)
	assert.True(t, exists)

	root, err := reader.GetRootDocument(ctx)
	require.NoError(t, err)
	children, err := root.Children(ctx)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, public.ID(), children[0].ID())

	_, err = reader.CreateDocument(ctx, PathRef("/"), "mine", model.TypeFile)
	assert.ErrorIs(t, err, storeerr.ErrSecurityViolation)
	doc, err := reader.GetDocument(ctx, PathRef("/public"))
	require.NoError(t, err)
	assert.ErrorIs(t, doc.SetValue(ctx, "dc:title", "x"), storeerr.ErrSecurityViolation)
	assert.ErrorIs(t, reader.RemoveDocument(ctx, PathRef("/public")), storeerr.ErrSecurityViolation)
	canWrite, err := doc.HasPermission(ctx, storage.WriteProperties)
	require.NoError(t, err)
	assert.False(t, canWrite)

	list, err := reader.Query(ctx, new(mapper.Query).Where(mapper.FieldPrimaryType, mapper.OpEq, model.TypeFile), 0, 0)
	require.NoError(t, err)
	require.Len(t, list.Documents, 1)
	assert.Equal(t, public.ID(), list.Documents[0].ID())
	assert.Equal(t, int64(1), list.TotalSize)

	system := openAs(t, repo, SystemPrincipal)
	list, err = system.Query(ctx, new(mapper.Query).Where(mapper.FieldPrimaryType, mapper.OpEq, model.TypeFile), 0, 0)
	require.NoError(t, err)
	assert.Len(t, list.Documents, 2)

	_, err = reader.Query(ctx, new(mapper.Query), 10, -1)
	assert.ErrorIs(t, err, storeerr.ErrInvalidArgument)
	_, err = system.Query(ctx, new(mapper.Query), -1, 0)
	assert.ErrorIs(t, err, storeerr.ErrInvalidArgument)
}

func TestVersioningFacade(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	s := openAs(t, repo, alice)
	doc, err := s.CreateDocument(ctx, PathRef("/"), "doc", model.TypeFile)
	require.NoError(t, err)
	require.NoError(t, doc.SetValue(ctx, "dc:title", "v1"))

	v1, err := s.CheckIn(ctx, doc.Ref(), "", "first")
	require.NoError(t, err)
	out, err := doc.IsCheckedOut(ctx)
	require.NoError(t, err)
	assert.False(t, out)

	// writing checks the document out
	require.NoError(t, doc.SetValue(ctx, "dc:title", "v2"))
	out, err = doc.IsCheckedOut(ctx)
	require.NoError(t, err)
	assert.True(t, out)
	assert.ErrorIs(t, v1.SetValue(ctx, "dc:title", "x"), storeerr.ErrReadOnly)

	info, err := v1.VersionInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, "first", info.Description)
	series, err := v1.VersionSeriesID(ctx)
	require.NoError(t, err)
	assert.Equal(t, doc.ID(), series)
	source, err := v1.SourceDocument(ctx)
	require.NoError(t, err)
	assert.Equal(t, doc.ID(), source.ID())
	base, err := doc.BaseVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, v1.ID(), base.ID())

	versions, err := s.GetVersions(ctx, doc.Ref())
	require.NoError(t, err)
	require.Len(t, versions, 1)
	byLabel, err := s.GetVersion(ctx, doc.Ref(), "1.0")
	require.NoError(t, err)
	assert.Equal(t, v1.ID(), byLabel.ID())

	require.NoError(t, s.Restore(ctx, doc.Ref(), v1.Ref()))
	title, err := doc.GetValue(ctx, "dc:title")
	require.NoError(t, err)
	assert.Equal(t, "v1", title)

	section, err := s.CreateDocument(ctx, PathRef("/"), "section", model.TypeFolder)
	require.NoError(t, err)
	proxy, err := s.CreateProxy(ctx, v1.Ref(), section.Ref(), "published")
	require.NoError(t, err)
	target, err := proxy.TargetDocument(ctx)
	require.NoError(t, err)
	assert.Equal(t, v1.ID(), target.ID())
	title, err = proxy.GetValue(ctx, "dc:title")
	require.NoError(t, err)
	assert.Equal(t, "v1", title)
	proxies, err := s.GetProxies(ctx, doc.Ref(), nil)
	require.NoError(t, err)
	require.Len(t, proxies, 1)
	assert.Equal(t, proxy.ID(), proxies[0].ID())
	proxySeries, err := proxy.VersionSeriesID(ctx)
	require.NoError(t, err)
	assert.Equal(t, doc.ID(), proxySeries)
}

func TestLocksFacade(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	s := openAs(t, repo, alice)
	_, err := s.CreateDocument(ctx, PathRef("/"), "doc", model.TypeFile)
	require.NoError(t, err)
	require.NoError(t, s.Commit(ctx))
	require.NoError(t, s.Begin(ctx))

	other := openAs(t, repo, Principal{Name: "carol", Groups: []string{"administrators"}})
	doc, err := s.GetDocument(ctx, PathRef("/doc"))
	require.NoError(t, err)
	doc2, err := other.GetDocument(ctx, PathRef("/doc"))
	require.NoError(t, err)

	existing, err := doc.Lock(ctx)
	require.NoError(t, err)
	assert.Nil(t, existing)
	existing, err = doc2.Lock(ctx)
	require.NoError(t, err)
	require.NotNil(t, existing)
	assert.Equal(t, "alice", existing.Owner)

	_, err = doc2.Unlock(ctx)
	assert.ErrorIs(t, err, storeerr.ErrOperationNotAllowed)
	removed, err := doc.Unlock(ctx)
	require.NoError(t, err)
	assert.Equal(t, "alice", removed.Owner)
	lock, err := doc2.GetLock(ctx)
	require.NoError(t, err)
	assert.Nil(t, lock)
}

func TestHierarchyFacade(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	s := openAs(t, repo, alice)
	folder, err := s.CreateDocument(ctx, PathRef("/"), "folder", model.TypeFolder)
	require.NoError(t, err)
	for _, name := range []string{"A", "B", "C"} {
		_, err := folder.AddChild(ctx, name, model.TypeFile)
		require.NoError(t, err)
	}
	require.NoError(t, folder.OrderBefore(ctx, "C", "A"))
	children, err := folder.Children(ctx)
	require.NoError(t, err)
	var names []string
	for _, c := range children {
		name, err := c.Name(ctx)
		require.NoError(t, err)
		names = append(names, name)
	}
	assert.Equal(t, []string{"C", "A", "B"}, names)
	assert.ErrorIs(t, folder.OrderBefore(ctx, "missing", ""), storeerr.ErrNotFound)

	moved, err := s.Move(ctx, PathRef("/folder/A"), PathRef("/"), "A2")
	require.NoError(t, err)
	path, err := moved.Path(ctx)
	require.NoError(t, err)
	assert.Equal(t, "/A2", path)

	copied, err := s.Copy(ctx, PathRef("/folder"), PathRef("/"), "folder2")
	require.NoError(t, err)
	has, err := copied.HasChildren(ctx)
	require.NoError(t, err)
	assert.True(t, has)

	require.NoError(t, s.RemoveDocument(ctx, PathRef("/folder")))
	_, err = children[0].Name(ctx)
	assert.ErrorIs(t, err, storeerr.ErrNotFound)

	added, err := moved.AddFacet(ctx, model.FacetAged)
	require.NoError(t, err)
	assert.True(t, added)
	require.NoError(t, moved.SetValue(ctx, "age:age", int64(4)))
	require.NoError(t, moved.SetLifeCycleState(ctx, "approved"))
	state, err := moved.LifeCycleState(ctx)
	require.NoError(t, err)
	assert.Equal(t, "approved", state)
}

func TestProperties(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	s := openAs(t, repo, alice)

	doc, err := s.CreateDocument(ctx, PathRef("/"), "doc", model.TypeFile)
	require.NoError(t, err)
	require.NoError(t, doc.SetValue(ctx, "dc:title", "title"))
	require.NoError(t, doc.SetValue(ctx, "dc:subjects", []string{"a", "b"}))

	props, err := doc.Properties(ctx)
	require.NoError(t, err)
	assert.Equal(t, "title", props["dc:title"])
	assert.Equal(t, []any{"a", "b"}, props["dc:subjects"])
	assert.Equal(t, "alice", props["dc:creator"])
	assert.NotContains(t, props, "dc:description")
	assert.NotContains(t, props, "dc:contributors")
}
