package storage

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docstore/internal/cluster"
	"docstore/internal/mapper"
	"docstore/internal/mapper/sqlstore"
	"docstore/internal/model"
	"docstore/internal/storeerr"
)

// ============================================================================
// Test Helpers
// ============================================================================

func nullEntry() *logrus.Entry {
	logger, _ := test.NewNullLogger()
	return logrus.NewEntry(logger)
}

func openStore(t *testing.T, m *model.Model, dsn string) *sqlstore.Store {
	t.Helper()
	store, err := sqlstore.Open(context.Background(), m, sqlstore.Config{
		Dialect:         "sqlite",
		DSN:             dsn,
		MaxOpen:         6,
		BlockingTimeout: 2 * time.Second,
		Logger:          nullEntry(),
	})
	require.NoError(t, err)
	return store
}

func testModel(t *testing.T) *model.Model {
	t.Helper()
	m, err := model.New(model.NewRegistry(), model.IDVarchar, model.FulltextConfig{})
	require.NoError(t, err)
	return m
}

func newTestRepo(t *testing.T, tweak ...func(*Options)) *Repository {
	t.Helper()
	return newTestRepoAt(t, filepath.Join(t.TempDir(), "repo.db"), tweak...)
}

func newTestRepoAt(t *testing.T, dsn string, tweak ...func(*Options)) *Repository {
	t.Helper()
	m := testModel(t)
	opts := Options{
		Name:    "test",
		Backend: openStore(t, m, dsn),
		Model:   m,
		Logger:  nullEntry(),
	}
	for _, f := range tweak {
		f(&opts)
	}
	repo, err := Open(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { repo.Shutdown() })
	return repo
}

// openSession opens a session with a running transaction
func openSession(t *testing.T, repo *Repository) *Session {
	t.Helper()
	s, err := repo.OpenSession()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Begin(context.Background()))
	return s
}

func addDoc(t *testing.T, s *Session, parent *Node, name, typ string) *Node {
	t.Helper()
	n, err := s.AddChildNode(context.Background(), parent, name, nil, typ, false)
	require.NoError(t, err)
	return n
}

func root(t *testing.T, s *Session) *Node {
	t.Helper()
	r, err := s.GetRootNode(context.Background())
	require.NoError(t, err)
	return r
}

func names(nodes []*Node) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.Name()
	}
	return out
}

func ids(nodes []*Node) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.ID()
	}
	return out
}

// flakyBackend fails every write while failWrites is set
type flakyBackend struct {
	mapper.Backend
	failWrites atomic.Bool
}

func (b *flakyBackend) NewMapper() mapper.Mapper {
	return &flakyMapper{Mapper: b.Backend.NewMapper(), b: b}
}

type flakyMapper struct {
	mapper.Mapper
	b *flakyBackend
}

func (m *flakyMapper) Write(ctx context.Context, batch *mapper.Batch) error {
	if m.b.failWrites.Load() {
		return storeerr.New("write", "", storeerr.ErrConcurrentUpdate)
	}
	return m.Mapper.Write(ctx, batch)
}

// ============================================================================
// Documents and properties
// ============================================================================

func TestCreateAndReadDocument(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	s := openSession(t, repo)

	doc := addDoc(t, s, root(t, s), "doc", model.TypeFile)
	require.NoError(t, doc.SetSimpleProperty(ctx, "dc:title", "title"))
	require.NoError(t, doc.SetArrayProperty(ctx, "dc:subjects", []string{"a", "b"}))

	title, err := doc.GetSimpleProperty(ctx, "dc:title")
	require.NoError(t, err)
	assert.Equal(t, "title", title)
	subjects, err := doc.GetArrayProperty(ctx, "dc:subjects")
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, subjects)
	require.NoError(t, s.Commit(ctx))

	other := openSession(t, repo)
	found, err := other.GetNodeByPath(ctx, "/doc", nil)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, doc.ID(), found.ID())

	title, err = found.GetSimpleProperty(ctx, "dc:title")
	require.NoError(t, err)
	assert.Equal(t, "title", title)
	subjects, err = found.GetArrayProperty(ctx, "dc:subjects")
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, subjects)

	path, err := other.GetPath(ctx, found)
	require.NoError(t, err)
	assert.Equal(t, "/doc", path)
}

func TestPropertyValidation(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	s := openSession(t, repo)
	doc := addDoc(t, s, root(t, s), "doc", model.TypeFile)

	assert.ErrorIs(t, doc.SetSimpleProperty(ctx, "dc:title", 42), storeerr.ErrInvalidArgument)
	assert.ErrorIs(t, doc.SetSimpleProperty(ctx, "age:age", int64(3)), storeerr.ErrInvalidArgument)
	assert.ErrorIs(t, doc.SetSimpleProperty(ctx, "dc:subjects", "x"), storeerr.ErrInvalidArgument)
	assert.ErrorIs(t, doc.SetArrayProperty(ctx, "dc:subjects", []any{"a", nil}), storeerr.ErrInvalidArgument)

	require.NoError(t, doc.SetArrayProperty(ctx, "dc:subjects", []string{"a"}))
	require.NoError(t, doc.SetArrayProperty(ctx, "dc:subjects", nil))
	subjects, err := doc.GetArrayProperty(ctx, "dc:subjects")
	require.NoError(t, err)
	assert.Nil(t, subjects)
}

func TestOperationsNeedTransaction(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	s, err := repo.OpenSession()
	require.NoError(t, err)
	defer s.Close()

	_, err = s.GetRootNode(ctx)
	assert.ErrorIs(t, err, storeerr.ErrNoTransaction)

	require.NoError(t, s.Begin(ctx))
	_, err = s.GetRootNode(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Commit(ctx))

	_, err = s.GetNodeByID(ctx, "x")
	assert.ErrorIs(t, err, storeerr.ErrNoTransaction)

	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Begin(ctx), storeerr.ErrClosed)
}

func TestFailedSaveRequiresRollback(t *testing.T) {
	ctx := context.Background()
	m := testModel(t)
	backend := &flakyBackend{Backend: openStore(t, m, filepath.Join(t.TempDir(), "repo.db"))}
	repo, err := Open(ctx, Options{Name: "flaky", Backend: backend, Model: m, Logger: nullEntry()})
	require.NoError(t, err)
	defer repo.Shutdown()

	s := openSession(t, repo)
	doc := addDoc(t, s, root(t, s), "doc", model.TypeFile)

	backend.failWrites.Store(true)
	err = s.Save(ctx)
	assert.ErrorIs(t, err, storeerr.ErrConcurrentUpdate)
	assert.True(t, s.IsDirty())
	assert.Equal(t, 1.0, testutil.ToFloat64(repo.metrics.concurrentUpdate.WithLabelValues("flaky")))

	_, err = s.GetRootNode(ctx)
	assert.ErrorIs(t, err, storeerr.ErrOperationNotAllowed)
	assert.ErrorIs(t, s.Commit(ctx), storeerr.ErrOperationNotAllowed)

	require.NoError(t, s.Rollback(ctx))
	backend.failWrites.Store(false)
	assert.False(t, doc.Exists())

	require.NoError(t, s.Begin(ctx))
	found, err := s.GetNodeByPath(ctx, "/doc", nil)
	require.NoError(t, err)
	assert.Nil(t, found)
}

// ============================================================================
// Hierarchy
// ============================================================================

func TestAddChildNameConflicts(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	s := openSession(t, repo)
	r := root(t, s)

	doc := addDoc(t, s, r, "doc", model.TypeFile)
	_, err := s.AddChildNode(ctx, r, "doc", nil, model.TypeFolder, false)
	assert.ErrorIs(t, err, storeerr.ErrOperationNotAllowed)

	_, err = s.AddChildNode(ctx, r, "bad", nil, "NoSuchType", false)
	assert.ErrorIs(t, err, storeerr.ErrInvalidArgument)

	// property namespace is separate and lists share a name
	pos0, pos1 := int64(0), int64(1)
	_, err = s.AddChildNode(ctx, doc, "files:files", &pos0, "fileEntry", true)
	require.NoError(t, err)
	_, err = s.AddChildNode(ctx, doc, "files:files", &pos1, "fileEntry", true)
	require.NoError(t, err)
	_, err = s.AddChildNode(ctx, doc, "files:files", &pos1, "fileEntry", true)
	assert.ErrorIs(t, err, storeerr.ErrOperationNotAllowed)

	props, err := s.GetChildren(ctx, doc, true)
	require.NoError(t, err)
	assert.Len(t, props, 2)
	children, err := s.GetChildren(ctx, doc, false)
	require.NoError(t, err)
	assert.Empty(t, children)

	_, err = s.AddChildNodeWithID(ctx, r, doc.ID(), "other", nil, model.TypeFile, false)
	assert.ErrorIs(t, err, storeerr.ErrOperationNotAllowed)
}

func TestOrderBefore(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	s := openSession(t, repo)
	parent := addDoc(t, s, root(t, s), "folder", model.TypeFolder)
	a := addDoc(t, s, parent, "A", model.TypeFile)
	addDoc(t, s, parent, "B", model.TypeFile)
	c := addDoc(t, s, parent, "C", model.TypeFile)

	require.NoError(t, s.OrderBefore(ctx, parent, c, a))
	children, err := s.GetChildren(ctx, parent, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"C", "A", "B"}, names(children))

	require.NoError(t, s.OrderBefore(ctx, parent, c, nil))
	require.NoError(t, s.Commit(ctx))

	s2 := openSession(t, repo)
	parent2, err := s2.GetNodeByPath(ctx, "/folder", nil)
	require.NoError(t, err)
	children, err = s2.GetChildren(ctx, parent2, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C"}, names(children))
}

func TestMoveKeepsTreeAcyclic(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	s := openSession(t, repo)
	r := root(t, s)
	a := addDoc(t, s, r, "a", model.TypeFolder)
	b := addDoc(t, s, a, "b", model.TypeFolder)
	c := addDoc(t, s, b, "c", model.TypeFile)
	other := addDoc(t, s, r, "other", model.TypeFolder)

	assert.ErrorIs(t, s.Move(ctx, a, c, ""), storeerr.ErrOperationNotAllowed)
	assert.ErrorIs(t, s.Move(ctx, a, a, ""), storeerr.ErrOperationNotAllowed)
	assert.ErrorIs(t, s.Move(ctx, r, other, ""), storeerr.ErrOperationNotAllowed)

	require.NoError(t, s.Move(ctx, b, other, "moved"))
	require.NoError(t, s.Commit(ctx))

	s2 := openSession(t, repo)
	moved, err := s2.GetNodeByPath(ctx, "/other/moved/c", nil)
	require.NoError(t, err)
	require.NotNil(t, moved)
	assert.Equal(t, c.ID(), moved.ID())

	// every node reaches the root in as many steps as its path has segments
	for _, path := range []string{"/a", "/other", "/other/moved", "/other/moved/c"} {
		n, err := s2.GetNodeByPath(ctx, path, nil)
		require.NoError(t, err)
		require.NotNil(t, n, path)
		depth := 0
		for cur := n; cur.ID() != repo.RootID(); depth++ {
			cur, err = s2.GetParentNode(ctx, cur)
			require.NoError(t, err)
			require.NotNil(t, cur)
			require.Less(t, depth, 10)
		}
		got, err := s2.GetPath(ctx, n)
		require.NoError(t, err)
		assert.Equal(t, path, got)
	}

	a2, err := s2.GetNodeByID(ctx, a.ID())
	require.NoError(t, err)
	children, err := s2.GetChildren(ctx, a2, false)
	require.NoError(t, err)
	assert.Empty(t, children)
}

func TestCopy(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	s := openSession(t, repo)
	r := root(t, s)
	src := addDoc(t, s, r, "src", model.TypeFolder)
	doc := addDoc(t, s, src, "doc", model.TypeFile)
	require.NoError(t, doc.SetSimpleProperty(ctx, "dc:title", "original"))
	content, err := s.AddChildNode(ctx, doc, "file:content", nil, model.ContentType, true)
	require.NoError(t, err)
	require.NoError(t, content.SetSimpleProperty(ctx, "name", "a.txt"))
	_, err = s.CheckIn(ctx, doc, "", "")
	require.NoError(t, err)
	dst := addDoc(t, s, r, "dst", model.TypeFolder)

	_, err = s.Copy(ctx, src, doc, "")
	assert.ErrorIs(t, err, storeerr.ErrOperationNotAllowed)

	copied, err := s.Copy(ctx, src, dst, "copy")
	require.NoError(t, err)
	require.NoError(t, s.Commit(ctx))

	s2 := openSession(t, repo)
	cdoc, err := s2.GetNodeByPath(ctx, "/dst/copy/doc", nil)
	require.NoError(t, err)
	require.NotNil(t, cdoc)
	assert.NotEqual(t, doc.ID(), cdoc.ID())
	assert.False(t, cdoc.IsCheckedIn())
	assert.Empty(t, cdoc.BaseVersionID())

	title, err := cdoc.GetSimpleProperty(ctx, "dc:title")
	require.NoError(t, err)
	assert.Equal(t, "original", title)
	ccontent, err := s2.GetChild(ctx, cdoc, "file:content", true)
	require.NoError(t, err)
	require.NotNil(t, ccontent)
	name, err := ccontent.GetSimpleProperty(ctx, "name")
	require.NoError(t, err)
	assert.Equal(t, "a.txt", name)

	copyRoot, err := s2.GetNodeByID(ctx, copied.ID())
	require.NoError(t, err)
	assert.Equal(t, "copy", copyRoot.Name())
	original, err := s2.GetNodeByPath(ctx, "/src/doc", nil)
	require.NoError(t, err)
	assert.True(t, original.IsCheckedIn())
}

func TestRemoveNode(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	s := openSession(t, repo)
	r := root(t, s)
	folder := addDoc(t, s, r, "folder", model.TypeFolder)
	doc := addDoc(t, s, folder, "doc", model.TypeFile)
	content, err := s.AddChildNode(ctx, doc, "file:content", nil, model.ContentType, true)
	require.NoError(t, err)
	require.NoError(t, s.Commit(ctx))

	require.NoError(t, s.Begin(ctx))
	assert.ErrorIs(t, s.RemoveNode(ctx, r), storeerr.ErrOperationNotAllowed)
	require.NoError(t, s.RemoveNode(ctx, folder))
	assert.False(t, folder.Exists())
	assert.False(t, doc.Exists())
	assert.False(t, content.Exists())
	require.NoError(t, s.Commit(ctx))

	s2 := openSession(t, repo)
	for _, id := range []string{folder.ID(), doc.ID(), content.ID()} {
		n, err := s2.GetNodeByID(ctx, id)
		require.NoError(t, err)
		assert.Nil(t, n)
	}
	has, err := s2.HasChildren(ctx, root(t, s2), false)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestRemovePropertyNode(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	s := openSession(t, repo)
	doc := addDoc(t, s, root(t, s), "doc", model.TypeFile)
	pos := int64(0)
	entry, err := s.AddChildNode(ctx, doc, "files:files", &pos, "fileEntry", true)
	require.NoError(t, err)
	blob, err := s.AddChildNode(ctx, entry, "file", nil, model.ContentType, true)
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx))

	assert.ErrorIs(t, s.RemovePropertyNode(ctx, doc), storeerr.ErrInvalidArgument)
	require.NoError(t, s.RemovePropertyNode(ctx, entry))
	assert.False(t, blob.Exists())
	assert.True(t, doc.Exists())
	require.NoError(t, s.Commit(ctx))

	s2 := openSession(t, repo)
	n, err := s2.GetNodeByID(ctx, blob.ID())
	require.NoError(t, err)
	assert.Nil(t, n)
}

func TestSoftDeleteAndCleanup(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t, func(o *Options) { o.SoftDelete = true })
	s := openSession(t, repo)
	folder := addDoc(t, s, root(t, s), "folder", model.TypeFolder)
	doc := addDoc(t, s, folder, "doc", model.TypeFile)
	require.NoError(t, s.Commit(ctx))

	require.NoError(t, s.Begin(ctx))
	require.NoError(t, s.RemoveNode(ctx, folder))
	require.NoError(t, s.Commit(ctx))

	require.NoError(t, s.Begin(ctx))
	n, err := s.GetNodeByID(ctx, doc.ID())
	require.NoError(t, err)
	assert.Nil(t, n)
	list, err := s.Query(ctx, new(mapper.Query).Where(mapper.FieldPrimaryType, mapper.OpEq, model.TypeFile), nil)
	require.NoError(t, err)
	assert.Empty(t, list.IDs)
	require.NoError(t, s.Commit(ctx))

	purged, err := repo.CleanupDeletedDocuments(ctx, 0, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, purged)
}

// ============================================================================
// Versions and proxies
// ============================================================================

func TestCheckInCheckOut(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	s := openSession(t, repo)
	doc := addDoc(t, s, root(t, s), "doc", model.TypeFile)
	require.NoError(t, s.Save(ctx))

	version, err := s.CheckIn(ctx, doc, "", "first")
	require.NoError(t, err)
	assert.True(t, version.IsVersion())
	assert.True(t, doc.IsCheckedIn())
	assert.Equal(t, version.ID(), doc.BaseVersionID())

	_, err = s.CheckIn(ctx, doc, "", "")
	assert.ErrorIs(t, err, storeerr.ErrOperationNotAllowed)
	assert.ErrorIs(t, doc.SetSimpleProperty(ctx, "dc:title", "x"), storeerr.ErrReadOnly)
	assert.ErrorIs(t, version.SetSimpleProperty(ctx, "dc:title", "x"), storeerr.ErrReadOnly)

	versions, err := s.GetVersions(ctx, doc.ID())
	require.NoError(t, err)
	assert.Equal(t, []string{version.ID()}, ids(versions))

	info, err := version.VersionInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, doc.ID(), info.SeriesID)
	assert.Equal(t, "1.0", info.Label)
	assert.Equal(t, "first", info.Description)
	assert.True(t, info.IsLatest)

	require.NoError(t, s.CheckOut(ctx, doc))
	assert.False(t, doc.IsCheckedIn())
	assert.ErrorIs(t, s.CheckOut(ctx, doc), storeerr.ErrOperationNotAllowed)
	require.NoError(t, doc.SetSimpleProperty(ctx, "dc:title", "x"))

	v2, err := s.CheckIn(ctx, doc, "", "")
	require.NoError(t, err)
	require.NoError(t, s.Commit(ctx))

	s2 := openSession(t, repo)
	last, err := s2.GetLastVersion(ctx, doc.ID())
	require.NoError(t, err)
	assert.Equal(t, v2.ID(), last.ID())
	byLabel, err := s2.GetVersionByLabel(ctx, doc.ID(), "1.0")
	require.NoError(t, err)
	assert.Equal(t, version.ID(), byLabel.ID())
	first, err := s2.GetNodeByID(ctx, version.ID())
	require.NoError(t, err)
	info, err = first.VersionInfo(ctx)
	require.NoError(t, err)
	assert.False(t, info.IsLatest)
}

func TestRestoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	s := openSession(t, repo)
	doc := addDoc(t, s, root(t, s), "doc", model.TypeFile)
	created := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, doc.SetSimpleProperty(ctx, "dc:title", "v1"))
	require.NoError(t, doc.SetSimpleProperty(ctx, "dc:created", created))
	require.NoError(t, doc.SetArrayProperty(ctx, "dc:subjects", []string{"a", "b"}))
	content, err := s.AddChildNode(ctx, doc, "file:content", nil, model.ContentType, true)
	require.NoError(t, err)
	require.NoError(t, content.SetSimpleProperty(ctx, "name", "v1.txt"))
	require.NoError(t, content.SetSimpleProperty(ctx, "length", int64(12)))

	version, err := s.CheckIn(ctx, doc, "", "")
	require.NoError(t, err)
	require.NoError(t, s.CheckOut(ctx, doc))
	require.NoError(t, doc.SetSimpleProperty(ctx, "dc:title", "v2"))
	require.NoError(t, doc.SetSimpleProperty(ctx, "dc:created", nil))
	require.NoError(t, doc.SetArrayProperty(ctx, "dc:subjects", []string{"z"}))
	require.NoError(t, s.RemovePropertyNode(ctx, content))
	require.NoError(t, s.Save(ctx))

	require.NoError(t, s.Restore(ctx, doc, version))
	assert.True(t, doc.IsCheckedIn())
	assert.Equal(t, version.ID(), doc.BaseVersionID())
	require.NoError(t, s.Commit(ctx))

	s2 := openSession(t, repo)
	restored, err := s2.GetNodeByID(ctx, doc.ID())
	require.NoError(t, err)
	title, err := restored.GetSimpleProperty(ctx, "dc:title")
	require.NoError(t, err)
	assert.Equal(t, "v1", title)
	date, err := restored.GetSimpleProperty(ctx, "dc:created")
	require.NoError(t, err)
	assert.Equal(t, created, date)
	subjects, err := restored.GetArrayProperty(ctx, "dc:subjects")
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, subjects)

	rcontent, err := s2.GetChild(ctx, restored, "file:content", true)
	require.NoError(t, err)
	require.NotNil(t, rcontent)
	assert.NotEqual(t, content.ID(), rcontent.ID())
	name, err := rcontent.GetSimpleProperty(ctx, "name")
	require.NoError(t, err)
	assert.Equal(t, "v1.txt", name)
	length, err := rcontent.GetSimpleProperty(ctx, "length")
	require.NoError(t, err)
	assert.Equal(t, int64(12), length)
}

func TestProxies(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	s := openSession(t, repo)
	r := root(t, s)
	folder := addDoc(t, s, r, "folder", model.TypeFolder)
	doc := addDoc(t, s, folder, "doc", model.TypeFile)
	require.NoError(t, doc.SetSimpleProperty(ctx, "dc:title", "v1"))
	v1, err := s.CheckIn(ctx, doc, "", "")
	require.NoError(t, err)

	section := addDoc(t, s, r, "section", model.TypeFolder)
	proxy, err := s.AddProxy(ctx, v1.ID(), "", section, "published", nil)
	require.NoError(t, err)
	assert.True(t, proxy.IsProxy())

	title, err := proxy.GetSimpleProperty(ctx, "dc:title")
	require.NoError(t, err)
	assert.Equal(t, "v1", title)
	assert.ErrorIs(t, proxy.SetSimpleProperty(ctx, "dc:title", "x"), storeerr.ErrReadOnly)

	byVersion, err := s.GetProxies(ctx, v1, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{proxy.ID()}, ids(byVersion))
	bySeries, err := s.GetProxies(ctx, doc, section)
	require.NoError(t, err)
	assert.Equal(t, []string{proxy.ID()}, ids(bySeries))
	byOtherParent, err := s.GetProxies(ctx, doc, folder)
	require.NoError(t, err)
	assert.Empty(t, byOtherParent)

	require.NoError(t, s.CheckOut(ctx, doc))
	require.NoError(t, doc.SetSimpleProperty(ctx, "dc:title", "v2"))
	v2, err := s.CheckIn(ctx, doc, "", "")
	require.NoError(t, err)
	require.NoError(t, s.SetProxyTarget(ctx, proxy, v2.ID()))
	title, err = proxy.GetSimpleProperty(ctx, "dc:title")
	require.NoError(t, err)
	assert.Equal(t, "v2", title)

	other := addDoc(t, s, r, "other", model.TypeFile)
	assert.ErrorIs(t, s.SetProxyTarget(ctx, proxy, other.ID()), storeerr.ErrInvalidArgument)
	require.NoError(t, s.Commit(ctx))

	s2 := openSession(t, repo)
	versions, err := s2.GetNodesByIDs(ctx, []string{v1.ID(), v2.ID()})
	require.NoError(t, err)
	require.Len(t, versions, 2)
	byVersion, err = s2.GetProxies(ctx, versions[0], nil)
	require.NoError(t, err)
	assert.Empty(t, byVersion)
	byVersion, err = s2.GetProxies(ctx, versions[1], nil)
	require.NoError(t, err)
	assert.Equal(t, []string{proxy.ID()}, ids(byVersion))

	// a targeted version cannot go
	assert.ErrorIs(t, s2.RemoveNode(ctx, versions[1]), storeerr.ErrOperationNotAllowed)
}

func TestProxyRemovalPolicy(t *testing.T) {
	tests := []struct {
		name    string
		policy  ProxyRemoval
		wantErr error
	}{
		{name: "cascade", policy: ProxyRemovalCascade},
		{name: "deny", policy: ProxyRemovalDeny, wantErr: storeerr.ErrOperationNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			repo := newTestRepo(t, func(o *Options) { o.ProxyRemoval = tt.policy })
			s := openSession(t, repo)
			r := root(t, s)
			folder := addDoc(t, s, r, "folder", model.TypeFolder)
			doc := addDoc(t, s, folder, "doc", model.TypeFile)
			v, err := s.CheckIn(ctx, doc, "", "")
			require.NoError(t, err)
			proxy, err := s.AddProxy(ctx, v.ID(), doc.ID(), r, "published", nil)
			require.NoError(t, err)
			require.NoError(t, s.Commit(ctx))

			require.NoError(t, s.Begin(ctx))
			err = s.RemoveNode(ctx, folder)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.True(t, proxy.Exists())
				return
			}
			require.NoError(t, err)
			assert.False(t, proxy.Exists())
			require.NoError(t, s.Commit(ctx))

			s2 := openSession(t, repo)
			n, err := s2.GetNodeByID(ctx, proxy.ID())
			require.NoError(t, err)
			assert.Nil(t, n)
			// versions outlive their document
			n, err = s2.GetNodeByID(ctx, v.ID())
			require.NoError(t, err)
			assert.NotNil(t, n)
		})
	}
}

func TestProxiesDisabled(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t, func(o *Options) { o.DisableProxies = true })
	s := openSession(t, repo)
	doc := addDoc(t, s, root(t, s), "doc", model.TypeFile)
	_, err := s.AddProxy(ctx, doc.ID(), "", root(t, s), "p", nil)
	assert.ErrorIs(t, err, storeerr.ErrOperationNotAllowed)
}

// ============================================================================
// Mixins
// ============================================================================

func TestMixinTypes(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	s := openSession(t, repo)
	doc := addDoc(t, s, root(t, s), "doc", model.TypeFile)

	added, err := s.AddMixinType(ctx, doc, model.FacetAged)
	require.NoError(t, err)
	assert.True(t, added)
	added, err = s.AddMixinType(ctx, doc, model.FacetAged)
	require.NoError(t, err)
	assert.False(t, added)
	assert.Equal(t, []string{model.FacetAged}, doc.MixinTypes())

	// facet of the primary type
	added, err = s.AddMixinType(ctx, doc, model.FacetVersionable)
	require.NoError(t, err)
	assert.False(t, added)
	removed, err := s.RemoveMixinType(ctx, doc, model.FacetVersionable)
	require.NoError(t, err)
	assert.False(t, removed)

	removed, err = s.RemoveMixinType(ctx, doc, model.FacetHidden)
	require.NoError(t, err)
	assert.False(t, removed)

	_, err = s.AddMixinType(ctx, doc, "NoSuchFacet")
	assert.ErrorIs(t, err, storeerr.ErrInvalidArgument)

	require.NoError(t, doc.SetSimpleProperty(ctx, "age:age", int64(7)))
	require.NoError(t, s.Save(ctx))

	removed, err = s.RemoveMixinType(ctx, doc, model.FacetAged)
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Empty(t, doc.MixinTypes())
	_, err = doc.GetSimpleProperty(ctx, "age:age")
	assert.ErrorIs(t, err, storeerr.ErrInvalidArgument)
	require.NoError(t, s.Commit(ctx))

	s2 := openSession(t, repo)
	list, err := s2.Query(ctx, new(mapper.Query).Where(mapper.FieldMixinType, mapper.OpEq, model.FacetAged), nil)
	require.NoError(t, err)
	assert.Empty(t, list.IDs)
}

// ============================================================================
// Security and queries
// ============================================================================

func TestPermissions(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	s := openSession(t, repo)
	r := root(t, s)
	folder := addDoc(t, s, r, "private", model.TypeFolder)
	require.NoError(t, s.SetACP(ctx, folder, ACP{{Name: "local", Entries: []ACE{
		{Principal: "alice", Permission: ReadWrite, Grant: true},
		{Principal: Everyone, Permission: Everything, Grant: false},
	}}}))
	doc := addDoc(t, s, folder, "doc", model.TypeFile)

	tests := []struct {
		principals []string
		permission string
		want       bool
	}{
		{[]string{"administrators"}, Remove, true},
		{[]string{"members"}, Browse, true},
		{[]string{"members"}, WriteProperties, false},
		{[]string{"nobody"}, Browse, false},
	}
	for _, tt := range tests {
		ok, err := s.HasPermission(ctx, r, tt.principals, tt.permission)
		require.NoError(t, err)
		assert.Equal(t, tt.want, ok, "root %v %s", tt.principals, tt.permission)
	}

	ok, err := s.HasPermission(ctx, doc, []string{"alice"}, WriteProperties)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.HasPermission(ctx, doc, []string{"members"}, Browse)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = s.HasPermission(ctx, doc, []string{"alice"}, WriteSecurity)
	require.NoError(t, err)
	assert.False(t, ok)

	acp, err := s.GetACP(ctx, folder)
	require.NoError(t, err)
	require.Len(t, acp, 1)
	assert.Equal(t, "local", acp[0].Name)
	assert.Len(t, acp[0].Entries, 2)

	_, err = s.GetACP(ctx, doc)
	require.NoError(t, err)
	assert.ErrorIs(t, s.SetACP(ctx, folder, ACP{{Name: "", Entries: []ACE{{Principal: "x", Permission: Read}}}}), storeerr.ErrInvalidArgument)
}

func TestReadPrincipals(t *testing.T) {
	aces := []ACE{
		{Principal: "bob", Permission: Write, Grant: true},
		{Principal: "alice", Permission: Read, Grant: true},
		{Principal: "carol", Permission: Browse, Grant: false},
		{Principal: "carol", Permission: Read, Grant: true},
		{Principal: Everyone, Permission: Everything, Grant: false},
		{Principal: "dave", Permission: Read, Grant: true},
	}
	assert.Equal(t, []string{"alice"}, readPrincipals(aces))
}

func TestQuerySecurity(t *testing.T) {
	for _, disabled := range []bool{false, true} {
		name := "read acls"
		if disabled {
			name = "post filter"
		}
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			repo := newTestRepo(t, func(o *Options) { o.DisableACLOptimizations = disabled })
			s := openSession(t, repo)
			r := root(t, s)
			folder := addDoc(t, s, r, "private", model.TypeFolder)
			require.NoError(t, s.SetACP(ctx, folder, ACP{{Name: "local", Entries: []ACE{
				{Principal: "alice", Permission: Read, Grant: true},
				{Principal: Everyone, Permission: Everything, Grant: false},
			}}}))
			secret := addDoc(t, s, folder, "secret", model.TypeFile)
			public := addDoc(t, s, r, "public", model.TypeFile)
			require.NoError(t, s.Commit(ctx))

			require.NoError(t, s.Begin(ctx))
			q := new(mapper.Query).Where(mapper.FieldPrimaryType, mapper.OpEq, model.TypeFile).OrderBy(mapper.FieldName, false)
			tests := []struct {
				principals []string
				want       []string
			}{
				{[]string{"bob", "members"}, []string{public.ID()}},
				{[]string{"alice"}, []string{secret.ID()}},
				{[]string{"alice", "members"}, []string{public.ID(), secret.ID()}},
				{[]string{"nobody"}, nil},
			}
			for _, tt := range tests {
				list, err := s.Query(ctx, q, &mapper.QueryFilter{Principals: tt.principals, CountTotal: true})
				require.NoError(t, err)
				if diff := cmp.Diff(tt.want, list.IDs, cmpopts.EquateEmpty()); diff != "" {
					t.Errorf("principals %v (-want +got):\n%s", tt.principals, diff)
				}
				assert.Equal(t, int64(len(tt.want)), list.TotalSize)
			}

			list, err := s.Query(ctx, q, &mapper.QueryFilter{Principals: []string{"alice", "members"}, Limit: 1, Offset: 1})
			require.NoError(t, err)
			assert.Equal(t, []string{secret.ID()}, list.IDs)

			rows, err := s.QueryAndFetch(ctx, q, &mapper.QueryFilter{Principals: []string{"alice"}}, mapper.FieldName)
			require.NoError(t, err)
			assert.Equal(t, []map[string]any{{mapper.FieldID: secret.ID(), mapper.FieldName: "secret"}}, rows)

			_, err = s.Query(ctx, q, &mapper.QueryFilter{Principals: []string{"alice"}, Offset: -1})
			assert.ErrorIs(t, err, storeerr.ErrInvalidArgument)
			_, err = s.Query(ctx, q, &mapper.QueryFilter{Principals: []string{"alice"}, Limit: -2})
			assert.ErrorIs(t, err, storeerr.ErrInvalidArgument)
			_, err = s.QueryAndFetch(ctx, q, &mapper.QueryFilter{Principals: []string{"alice"}, Offset: -1}, mapper.FieldName)
			assert.ErrorIs(t, err, storeerr.ErrInvalidArgument)
		})
	}
}

func TestMoveUpdatesReadACLs(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	s := openSession(t, repo)
	r := root(t, s)
	folder := addDoc(t, s, r, "private", model.TypeFolder)
	require.NoError(t, s.SetACP(ctx, folder, ACP{{Name: "local", Entries: []ACE{
		{Principal: Everyone, Permission: Everything, Grant: false},
	}}}))
	doc := addDoc(t, s, r, "doc", model.TypeFile)
	require.NoError(t, s.Commit(ctx))

	filter := &mapper.QueryFilter{Principals: []string{"members"}}
	q := new(mapper.Query).Where(mapper.FieldPrimaryType, mapper.OpEq, model.TypeFile)

	require.NoError(t, s.Begin(ctx))
	list, err := s.Query(ctx, q, filter)
	require.NoError(t, err)
	assert.Equal(t, []string{doc.ID()}, list.IDs)

	require.NoError(t, s.Move(ctx, doc, folder, ""))
	list, err = s.Query(ctx, q, filter)
	require.NoError(t, err)
	assert.Empty(t, list.IDs)
	require.NoError(t, s.Commit(ctx))
}

func TestFulltextQuery(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	s := openSession(t, repo)
	doc := addDoc(t, s, root(t, s), "doc", model.TypeFile)
	require.NoError(t, doc.SetSimpleProperty(ctx, "dc:title", "Quarterly Report"))
	content, err := s.AddChildNode(ctx, doc, "file:content", nil, model.ContentType, true)
	require.NoError(t, err)
	require.NoError(t, content.SetSimpleProperty(ctx, "name", "budget.ods"))
	addDoc(t, s, root(t, s), "other", model.TypeFile)

	for _, text := range []string{"quarterly", "report budget.ods"} {
		list, err := s.Query(ctx, new(mapper.Query).Where(mapper.FieldFulltext, mapper.OpEq, text), nil)
		require.NoError(t, err)
		assert.Equal(t, []string{doc.ID()}, list.IDs, text)
	}
}

// ============================================================================
// Locks
// ============================================================================

func TestLocks(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	s1 := openSession(t, repo)
	s2 := openSession(t, repo)

	existing, err := s1.SetLock(ctx, "doc-1", "alice")
	require.NoError(t, err)
	assert.Nil(t, existing)

	existing, err = s2.SetLock(ctx, "doc-1", "bob")
	require.NoError(t, err)
	require.NotNil(t, existing)
	assert.Equal(t, "alice", existing.Owner)

	lock, err := s2.GetLock(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", lock.Owner)

	removed, err := s2.RemoveLock(ctx, "doc-1", "bob", false)
	require.NoError(t, err)
	assert.True(t, removed.Failed)

	removed, err = s1.RemoveLock(ctx, "doc-1", "alice", false)
	require.NoError(t, err)
	assert.False(t, removed.Failed)

	lock, err = s1.GetLock(ctx, "doc-1")
	require.NoError(t, err)
	assert.Nil(t, lock)
}

// ============================================================================
// Invalidations and management
// ============================================================================

func TestSiblingSessionSeesCommit(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	s1 := openSession(t, repo)
	s2 := openSession(t, repo)

	children, err := s2.GetChildren(ctx, root(t, s2), false)
	require.NoError(t, err)
	assert.Empty(t, children)
	require.NoError(t, s2.Commit(ctx))

	addDoc(t, s1, root(t, s1), "doc", model.TypeFile)
	require.NoError(t, s1.Commit(ctx))

	require.NoError(t, s2.Begin(ctx))
	children, err = s2.GetChildren(ctx, root(t, s2), false)
	require.NoError(t, err)
	assert.Equal(t, []string{"doc"}, names(children))
	doc, err := s2.GetNodeByPath(ctx, "/doc", nil)
	require.NoError(t, err)
	assert.NotNil(t, doc)
}

func TestSiblingSessionSeesUpdate(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	s1 := openSession(t, repo)
	doc := addDoc(t, s1, root(t, s1), "doc", model.TypeFile)
	require.NoError(t, doc.SetSimpleProperty(ctx, "dc:title", "before"))
	require.NoError(t, s1.Commit(ctx))

	s2 := openSession(t, repo)
	doc2, err := s2.GetNodeByID(ctx, doc.ID())
	require.NoError(t, err)
	title, err := doc2.GetSimpleProperty(ctx, "dc:title")
	require.NoError(t, err)
	assert.Equal(t, "before", title)
	require.NoError(t, s2.Commit(ctx))

	require.NoError(t, s1.Begin(ctx))
	require.NoError(t, doc.SetSimpleProperty(ctx, "dc:title", "after"))
	require.NoError(t, s1.Move(ctx, doc, root(t, s1), "renamed"))
	require.NoError(t, s1.Commit(ctx))

	require.NoError(t, s2.Begin(ctx))
	title, err = doc2.GetSimpleProperty(ctx, "dc:title")
	require.NoError(t, err)
	assert.Equal(t, "after", title)
	assert.Equal(t, "renamed", doc2.Name())
}

func TestClusterInvalidations(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "shared.db")
	hub := cluster.NewHub()
	repo1 := newTestRepoAt(t, dsn, func(o *Options) { o.Invalidator = hub.Join("node1", 0) })
	repo2 := newTestRepoAt(t, dsn, func(o *Options) { o.Invalidator = hub.Join("node2", time.Hour) })
	assert.Equal(t, repo1.RootID(), repo2.RootID())

	s2 := openSession(t, repo2)
	children, err := s2.GetChildren(ctx, root(t, s2), false)
	require.NoError(t, err)
	assert.Empty(t, children)
	require.NoError(t, s2.Commit(ctx))

	s1 := openSession(t, repo1)
	addDoc(t, s1, root(t, s1), "doc", model.TypeFile)
	require.NoError(t, s1.Commit(ctx))

	// node2 waits for its delay
	require.NoError(t, s2.Begin(ctx))
	children, err = s2.GetChildren(ctx, root(t, s2), false)
	require.NoError(t, err)
	assert.Empty(t, children)
	require.NoError(t, s2.Commit(ctx))

	repo2.ProcessClusterInvalidationsNext()
	require.NoError(t, s2.Begin(ctx))
	children, err = s2.GetChildren(ctx, root(t, s2), false)
	require.NoError(t, err)
	assert.Equal(t, []string{"doc"}, names(children))
	assert.Positive(t, testutil.ToFloat64(repo2.metrics.invalidationsIn.WithLabelValues("test")))
}

func TestManagement(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	s := openSession(t, repo)
	doc := addDoc(t, s, root(t, s), "doc", model.TypeFile)
	content, err := s.AddChildNode(ctx, doc, "file:content", nil, model.ContentType, true)
	require.NoError(t, err)
	require.NoError(t, content.SetSimpleProperty(ctx, "digest", "abc"))
	require.NoError(t, s.Commit(ctx))

	assert.Equal(t, 1, repo.ActiveSessionsCount())
	found, ok := repo.Session(s.ID())
	require.True(t, ok)
	assert.Same(t, s, found)
	assert.Positive(t, repo.CachePristineSize())
	assert.Positive(t, repo.CacheSelectionSize())
	assert.GreaterOrEqual(t, repo.CacheSize(), repo.CachePristineSize())

	repo.ClearCaches()
	require.NoError(t, s.Begin(ctx))
	assert.Zero(t, repo.CachePristineSize())
	n, err := s.GetNodeByID(ctx, doc.ID())
	require.NoError(t, err)
	assert.NotNil(t, n)
	require.NoError(t, s.Commit(ctx))

	var digests []string
	count, err := repo.MarkReferencedBinaries(ctx, func(d string) { digests = append(digests, d) })
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, []string{"abc"}, digests)

	require.NoError(t, repo.RebuildReadAcls(ctx))
}

func TestShutdownClosesLeakedSessions(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	s := openSession(t, repo)
	addDoc(t, s, root(t, s), "doc", model.TypeFile)

	require.NoError(t, repo.Shutdown())
	assert.Zero(t, repo.ActiveSessionsCount())
	assert.ErrorIs(t, s.Begin(ctx), storeerr.ErrClosed)
	_, err := repo.OpenSession()
	assert.ErrorIs(t, err, storeerr.ErrClosed)
}

func TestUpdateRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	err := repo.Update(ctx, func(s *Session) error {
		r, err := s.GetRootNode(ctx)
		if err != nil {
			return err
		}
		if _, err := s.AddChildNode(ctx, r, "doc", nil, model.TypeFile, false); err != nil {
			return err
		}
		return storeerr.ErrOperationNotAllowed
	})
	assert.ErrorIs(t, err, storeerr.ErrOperationNotAllowed)

	require.NoError(t, repo.Update(ctx, func(s *Session) error {
		n, err := s.GetNodeByPath(ctx, "/doc", nil)
		require.NoError(t, err)
		assert.Nil(t, n)
		return nil
	}))
	assert.Zero(t, repo.ActiveSessionsCount())
}
