package database

import "errors"

var (
	// ErrNotFound covers both a missing row and a row the access predicate
	// denies. The two are indistinguishable on purpose.
	ErrNotFound = errors.New("not found")

	// ErrForbidden is raised when an operation is expressly denied rather
	// than hidden, e.g. retrieval against a folder the caller cannot read.
	ErrForbidden = errors.New("forbidden")

	// ErrAlreadyExists is returned when a uniqueness invariant would be
	// violated (folder name per owner+app, graph name per owner).
	ErrAlreadyExists = errors.New("already exists")

	// ErrFolderNotEmpty is returned by DeleteFolder when the folder still
	// references documents. Callers must empty the folder first.
	ErrFolderNotEmpty = errors.New("folder is not empty")
)
