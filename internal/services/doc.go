// Package services holds the error taxonomy and context helpers shared by the
// pipeline stages and their external collaborators (speech-to-text, image
// stylization, script generation).
//
// Stage code wraps failures with one of the sentinel markers so the scheduler
// and the HTTP surface can classify them: validation problems are rejected
// synchronously, transient infra failures are retried, resource exhaustion is
// refused with remaining-quota figures, and everything else becomes a terminal
// pipeline failure recorded on the project.
package services
