// Package storage implements the document tree on top of a mapper.Backend.
//
// A Repository owns the model, the backend and the live sessions. A Session
// is a unit of work over one Mapper: it resolves nodes, tracks their changes
// in a persistence context and flushes them at Save and Commit.
//
//	repo, _ := storage.Open(ctx, storage.Options{Name: "default", Backend: store, Model: m})
//	err := repo.Update(ctx, func(s *storage.Session) error {
//	    root, err := s.GetRootNode(ctx)
//	    if err != nil {
//	        return err
//	    }
//	    doc, err := s.AddChildNode(ctx, root, "doc", nil, model.TypeFile, false)
//	    if err != nil {
//	        return err
//	    }
//	    return doc.SetSimpleProperty(ctx, "dc:title", "title")
//	})
//
// Nodes are documents, versions, proxies or complex property values, told
// apart by Node.Kind. Versions are frozen copies made by CheckIn; proxies
// read and write the data of their target.
//
// After commit the changed rows are announced to the sibling sessions and,
// through a cluster.Invalidator, to the other nodes. Each session applies
// the invalidations it received at its next Begin.
package storage
