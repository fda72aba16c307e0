package model

// Built-in type names
const (
	TypeRoot   = "Root"
	TypeFolder = "Folder"
	TypeFile   = "File"

	FacetFolderish    = "Folderish"
	FacetVersionable  = "Versionable"
	FacetAged         = "Aged"
	FacetDownloadable = "Downloadable"
	FacetHidden       = "HiddenInNavigation"

	// ContentType is the complex type holding blob metadata
	ContentType = "content"
)

func registerBuiltins(r *Registry) {
	mustAdd(r.AddComplexType(&Schema{
		Name: ContentType,
		Fields: []*Field{
			{Name: "name", Kind: KindScalar, Type: TypeString},
			{Name: "mimetype", Kind: KindScalar, Type: TypeString},
			{Name: "encoding", Kind: KindScalar, Type: TypeString},
			{Name: "digest", Kind: KindScalar, Type: TypeString},
			{Name: "length", Kind: KindScalar, Type: TypeLong},
		},
	}))
	mustAdd(r.AddComplexType(&Schema{
		Name: "fileEntry",
		Fields: []*Field{
			{Name: "file", Kind: KindBlob},
			{Name: "filename", Kind: KindScalar, Type: TypeString},
		},
	}))

	mustAdd(r.AddSchema(&Schema{
		Name:   "dublincore",
		Prefix: "dc",
		Fields: []*Field{
			{Name: "title", Kind: KindScalar, Type: TypeString},
			{Name: "description", Kind: KindScalar, Type: TypeString},
			{Name: "subjects", Kind: KindArray, Type: TypeString},
			{Name: "contributors", Kind: KindArray, Type: TypeString},
			{Name: "creator", Kind: KindScalar, Type: TypeString},
			{Name: "created", Kind: KindScalar, Type: TypeDate},
			{Name: "modified", Kind: KindScalar, Type: TypeDate},
		},
	}))
	mustAdd(r.AddSchema(&Schema{
		Name:   "file",
		Prefix: "file",
		Fields: []*Field{
			{Name: "content", Kind: KindBlob},
		},
	}))
	mustAdd(r.AddSchema(&Schema{
		Name:   "files",
		Prefix: "files",
		Fields: []*Field{
			{Name: "files", Kind: KindList, ComplexType: "fileEntry"},
		},
	}))
	mustAdd(r.AddSchema(&Schema{
		Name:   "age",
		Prefix: "age",
		Fields: []*Field{
			{Name: "age", Kind: KindScalar, Type: TypeLong},
		},
	}))

	mustAdd(r.AddFacet(&Facet{Name: FacetFolderish}))
	mustAdd(r.AddFacet(&Facet{Name: FacetVersionable}))
	mustAdd(r.AddFacet(&Facet{Name: FacetHidden}))
	mustAdd(r.AddFacet(&Facet{Name: FacetAged, Schemas: []string{"age"}}))
	mustAdd(r.AddFacet(&Facet{Name: FacetDownloadable, Schemas: []string{"files"}}))

	mustAdd(r.AddDocumentType(&DocumentType{
		Name:   TypeRoot,
		Facets: []string{FacetFolderish},
	}))
	mustAdd(r.AddDocumentType(&DocumentType{
		Name:    TypeFolder,
		Schemas: []string{"dublincore"},
		Facets:  []string{FacetFolderish},
	}))
	mustAdd(r.AddDocumentType(&DocumentType{
		Name:    TypeFile,
		Schemas: []string{"dublincore", "file"},
		Facets:  []string{FacetVersionable, FacetDownloadable},
	}))
}

func mustAdd(err error) {
	if err != nil {
		panic("builtin types: " + err.Error())
	}
}
