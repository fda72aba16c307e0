package storage

import (
	"context"
	"sort"
	"strings"

	"docstore/internal/model"
)

// updateFulltext materializes the string content of the documents changed
// in this unit of work into the fulltext table
func (s *Session) updateFulltext(ctx context.Context) error {
	if len(s.fulltextDirty) == 0 {
		return nil
	}
	ids := make([]string, 0, len(s.fulltextDirty))
	for id := range s.fulltextDirty {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		n, err := s.node(ctx, id)
		if err != nil {
			return err
		}
		if n == nil || n.IsProperty() || n.IsProxy() {
			continue
		}
		if !s.model().FulltextEnabled(n.PrimaryType()) {
			continue
		}
		var words []string
		if err := s.collectText(ctx, n, &words); err != nil {
			return err
		}
		text := strings.Join(words, " ")

		rid := model.RowID{Table: model.FulltextTable, ID: id}
		f, err := s.pc.get(ctx, rid)
		if err != nil {
			return err
		}
		if f != nil && f.getString(model.KeySimpleText) == text {
			continue
		}
		if f == nil {
			if text == "" {
				continue
			}
			if f, err = s.pc.getOrCreate(ctx, rid); err != nil {
				return err
			}
		}
		s.pc.set(f, model.KeySimpleText, text)
	}
	s.fulltextDirty = make(map[string]struct{})
	return nil
}

// collectText appends the string scalars and arrays of n and of its complex
// properties, in property name order
func (s *Session) collectText(ctx context.Context, n *Node, words *[]string) error {
	for _, info := range s.model().Properties(n.PrimaryType(), n.MixinTypes()) {
		if info.Field.Type != model.TypeString {
			continue
		}
		switch info.Field.Kind {
		case model.KindScalar:
			f, err := s.pc.get(ctx, model.RowID{Table: info.Table, ID: n.id})
			if err != nil {
				return err
			}
			if f != nil {
				if v := f.getString(info.Column); v != "" {
					*words = append(*words, v)
				}
			}
		case model.KindArray:
			f, err := s.pc.get(ctx, model.RowID{Table: info.Table, ID: n.id})
			if err != nil {
				return err
			}
			if f != nil {
				for _, item := range f.items() {
					if v, ok := item.(string); ok && v != "" {
						*words = append(*words, v)
					}
				}
			}
		}
	}

	children, err := s.children(ctx, n.id, true)
	if err != nil {
		return err
	}
	for _, c := range children {
		if err := s.collectText(ctx, c, words); err != nil {
			return err
		}
	}
	return nil
}
