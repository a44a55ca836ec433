package rclone

import (
	"errors"

	"github.com/rclone/rclone/fs"
	"github.com/rclone/rclone/fs/fserrors"

	"github.com/ahrav/transfer-armada/internal/domain/transfer"
)

// classify tags an rclone error with its failure cause.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var f *transfer.Failure
	if errors.As(err, &f) {
		return err
	}

	switch {
	case errors.Is(err, fs.ErrorObjectNotFound), errors.Is(err, fs.ErrorDirNotFound):
		return transfer.NewFailure(transfer.CauseNotFound, err)
	case errors.Is(err, fs.ErrorIsDir), errors.Is(err, fs.ErrorNotAFile):
		return transfer.NewFailure(transfer.CauseSyntax, err)
	}

	cause := transfer.ClassifyError(err)
	if cause == transfer.CauseUnknown && fserrors.ShouldRetry(err) {
		cause = transfer.CauseRemoteConnection
	}
	return transfer.NewFailure(cause, err)
}
