package raft

import "errors"

var (
	// ErrInvalidConfig is returned when timers, batch size or node ids are unusable.
	ErrInvalidConfig = errors.New("raft: invalid configuration")

	// ErrNilSender is returned when no transport is supplied.
	ErrNilSender = errors.New("raft: nil sender")

	// ErrNilLogger is returned when no log sink is supplied.
	ErrNilLogger = errors.New("raft: nil logger")

	// ErrSelfNotMember is returned when the node id is missing from the cluster ids.
	ErrSelfNotMember = errors.New("raft: node id not in cluster")

	// ErrDuplicateID is returned when the cluster ids contain a repeat.
	ErrDuplicateID = errors.New("raft: duplicate node id")
)
