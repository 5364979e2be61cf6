package ubi

import "ubi/internal/uerr"

// Kind and Error are re-exported from internal/uerr so that public API
// signatures can name ubi.Kind / ubi.Error while every internal package
// shares the same underlying type without importing the root package.
type Kind = uerr.Kind

const (
	KindTransientIO       = uerr.KindTransientIO
	KindUncorrectableRead = uerr.KindUncorrectableRead
	KindBadPEB            = uerr.KindBadPEB
	KindCorruptHeader     = uerr.KindCorruptHeader
	KindBitflip           = uerr.KindBitflip
	KindOutOfSpace        = uerr.KindOutOfSpace
	KindContendedMove     = uerr.KindContendedMove
	KindFastmapInvalid    = uerr.KindFastmapInvalid
	KindFatal             = uerr.KindFatal
	KindNotMapped         = uerr.KindNotMapped
	KindBusy              = uerr.KindBusy
)

type Error = uerr.Error

var (
	Err       = uerr.Err
	NewError  = uerr.NewError
	NewErrorf = uerr.NewErrorf
)
