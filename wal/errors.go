package wal

import "errors"

var (
	// ErrBufferSealed is returned when writing to or sealing an isolated
	// buffer that has already been sealed or discarded.
	ErrBufferSealed = errors.New("wal: isolated buffer already sealed")
	// ErrBufferFailed is returned by a buffer whose staging write failed. Its
	// content is unusable and the caller must Discard it.
	ErrBufferFailed = errors.New("wal: isolated buffer failed")
	// ErrPayloadConsumed is returned when a staged payload is appended twice
	// or used after release.
	ErrPayloadConsumed = errors.New("wal: staged payload already consumed")
	// ErrVersionMismatch is returned when an appended marker does not carry
	// the next catalog version, or when a buffer receives writes for two
	// different version candidates.
	ErrVersionMismatch = errors.New("wal: catalog version mismatch")
	// ErrMutationCountMismatch is returned when a marker announces a mutation
	// count different from what was staged.
	ErrMutationCountMismatch = errors.New("wal: mutation count does not match staged payload")
	// ErrPayloadSizeMismatch is returned when a marker announces a payload
	// size different from the staged length.
	ErrPayloadSizeMismatch = errors.New("wal: payload size does not match staged payload")
	// ErrTransactionTooLarge is returned for transactions whose framed size
	// does not fit a file location.
	ErrTransactionTooLarge = errors.New("wal: transaction too large")
	// ErrClosed is returned by operations on a closed WAL or supplier.
	ErrClosed = errors.New("wal: closed")
	// errFileRemoved is returned when a reader asks for a file that retention
	// already detached.
	errFileRemoved = errors.New("wal: file removed by retention")
)
