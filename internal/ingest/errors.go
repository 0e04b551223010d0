package ingest

import "memoir/internal/services"

var errMissingSeq = services.Wrap(services.ErrValidation, "ingest", "chunk_meta", "seq is required", nil)

func errUnknownFrame(frameType string) error {
	return services.Wrap(services.ErrValidation, "ingest", "dispatch", "unknown frame type "+frameType, nil)
}
