package pipeline

import (
	"context"
	"errors"

	"github.com/amillerrr/kino-pipeline/pkg/models"
)

// maxErrorRunes bounds the error message stored on a failed project.
const maxErrorRunes = 240

var errorKinds = []struct {
	err  error
	kind string
}{
	{models.ErrPipelineFailure, "PipelineFailure"},
	{models.ErrTranscoderFailure, "TranscoderFailure"},
	{models.ErrNoCandidates, "NoCandidates"},
	{models.ErrMalformedTimecode, "MalformedTimecode"},
	{models.ErrInferenceFailure, "InferenceFailure"},
	{models.ErrImageGeneration, "ImageGenerationFailure"},
	{models.ErrDownloadFailed, "DownloadFailure"},
	{models.ErrProjectNotFound, "ProjectNotFound"},
	{models.ErrInvalidPatch, "InvalidPatch"},
	{context.Canceled, "Canceled"},
	{context.DeadlineExceeded, "Timeout"},
}

// ErrorKind names the outermost known error kind in err's chain. Unknown
// errors are reported as PipelineFailure.
func ErrorKind(err error) string {
	for e := err; e != nil; e = errors.Unwrap(e) {
		for _, k := range errorKinds {
			if e == k.err {
				return k.kind
			}
		}
	}
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return "PipelineFailure"
}

// FormatError renders err as "<Kind>: <message>" bounded to 240 runes.
func FormatError(err error) string {
	if err == nil {
		return ""
	}
	msg := ErrorKind(err) + ": " + err.Error()
	r := []rune(msg)
	if len(r) > maxErrorRunes {
		return string(r[:maxErrorRunes])
	}
	return msg
}
