package fsi

import "errors"

var (
	ErrPermissionDenied  = errors.New("fsi: operation not permitted by the open file handle")
	ErrHandleNotFound    = errors.New("fsi: unknown file handle")
	ErrIsDirectory       = errors.New("fsi: inode is a directory")
	ErrNotDirectory      = errors.New("fsi: inode is not a directory")
	ErrDestinationExists = errors.New("fsi: destination already exists")
	ErrReservedInode     = errors.New("fsi: operation not permitted on a reserved inode")
	ErrPullFailed        = errors.New("fsi: pull of remote file content failed")
	ErrXAttrNotFound     = errors.New("fsi: extended attribute not set")
)
