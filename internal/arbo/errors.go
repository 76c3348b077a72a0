package arbo

import "errors"

var (
	ErrInodeNotFound      = errors.New("arbo: inode not found")
	ErrInodeExists        = errors.New("arbo: inode id already in use")
	ErrParentNotFound     = errors.New("arbo: parent inode not found")
	ErrParentNotFolder    = errors.New("arbo: parent is not a directory")
	ErrNotADirectory      = errors.New("arbo: inode is not a directory")
	ErrNotAFile           = errors.New("arbo: inode is not a file")
	ErrDirectoryNotEmpty  = errors.New("arbo: directory is not empty")
	ErrChildNotFound      = errors.New("arbo: no child with that name")
	ErrReservedName       = errors.New("arbo: reserved inode id used with the wrong name or parent")
	ErrWouldBlock         = errors.New("arbo: lock acquisition would block")
)
