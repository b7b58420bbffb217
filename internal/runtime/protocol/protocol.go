// Package protocol defines the messages exchanged with CHiMP workers over the
// job queue and their JSON wire encoding.
//
// A Request is published once per created image. Workers answer with exactly
// one Result, encoded as an externally tagged object whose single key names
// the variant:
//
//	{"Success": {"job_id": "...", "plate": "...", ...}}
//	{"NoDetection": {"job_id": "..."}}
//	{"Failure": {"job_id": "...", "error": "..."}}
package protocol

import (
	"github.com/google/uuid"
)

// Request asks a worker to process one well image.
type Request struct {
	ID          string    `json:"id"`
	Plate       uuid.UUID `json:"plate"`
	Well        int32     `json:"well"`
	DownloadURL string    `json:"download_url"`
}

// Point is a pixel position in the image.
type Point struct {
	X int32 `json:"x"`
	Y int32 `json:"y"`
}

type Circle struct {
	Center Point `json:"center"`
	Radius int32 `json:"radius"`
}

// BBox is an axis-aligned bounding box in pixels.
type BBox struct {
	Left   int32 `json:"left"`
	Right  int32 `json:"right"`
	Top    int32 `json:"top"`
	Bottom int32 `json:"bottom"`
}

// Result is one of Success, NoDetection or Failure.
type Result interface {
	// ResultJobID returns the id of the job the result answers, possibly empty.
	ResultJobID() string
	isResult()
}

// Success carries the detected well, drop, crystals and insertion point.
type Success struct {
	JobID          string    `json:"job_id"`
	Plate          uuid.UUID `json:"plate"`
	Well           int32     `json:"well"`
	InsertionPoint Point     `json:"insertion_point"`
	WellLocation   Circle    `json:"well_location"`
	Drop           BBox      `json:"drop"`
	Crystals       []BBox    `json:"crystals"`
}

// NoDetection means the worker found no usable well or drop in the image.
type NoDetection struct {
	JobID string `json:"job_id"`
}

// Failure reports a worker-side processing error.
type Failure struct {
	JobID string `json:"job_id"`
	Error string `json:"error"`
}

func (s Success) ResultJobID() string     { return s.JobID }
func (n NoDetection) ResultJobID() string { return n.JobID }
func (f Failure) ResultJobID() string     { return f.JobID }

func (Success) isResult()     {}
func (NoDetection) isResult() {}
func (Failure) isResult()     {}

// Variant tags used as the single key of an encoded Result.
const (
	TagSuccess     = "Success"
	TagNoDetection = "NoDetection"
	TagFailure     = "Failure"
)

// Tag returns the wire tag of r, or "" for nil.
func Tag(r Result) string {
	switch r.(type) {
	case Success, *Success:
		return TagSuccess
	case NoDetection, *NoDetection:
		return TagNoDetection
	case Failure, *Failure:
		return TagFailure
	default:
		return ""
	}
}
