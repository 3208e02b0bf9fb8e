package models

import (
	"errors"
	"fmt"
)

var ErrIllegalTransition = errors.New("illegal status transition")

type DocumentStatus string

const (
	StatusUploaded            DocumentStatus = "UPLOADED"
	StatusExtracting          DocumentStatus = "EXTRACTING"
	StatusExtracted           DocumentStatus = "EXTRACTED"
	StatusExtractionFailed    DocumentStatus = "EXTRACTION_FAILED"
	StatusNormalizing         DocumentStatus = "NORMALIZING"
	StatusNormalized          DocumentStatus = "NORMALIZED"
	StatusNormalizationFailed DocumentStatus = "NORMALIZATION_FAILED"
	StatusDetecting           DocumentStatus = "DETECTING"
	StatusDetected            DocumentStatus = "DETECTED"
	StatusDetectionFailed     DocumentStatus = "DETECTION_FAILED"
	StatusDone                DocumentStatus = "DONE"
)

// documentTransitions is exhaustive: a status missing from a value list
// cannot be reached from the key. Terminal statuses have no entries;
// leaving them goes through Resubmit.
var documentTransitions = map[DocumentStatus][]DocumentStatus{
	StatusUploaded:    {StatusExtracting, StatusExtractionFailed},
	StatusExtracting:  {StatusExtracted, StatusExtractionFailed},
	StatusExtracted:   {StatusNormalizing, StatusNormalizationFailed},
	StatusNormalizing: {StatusNormalized, StatusNormalizationFailed},
	StatusNormalized:  {StatusDetecting, StatusDetectionFailed},
	StatusDetecting:   {StatusDetected, StatusDetectionFailed},
	StatusDetected:    {StatusDone},

	StatusExtractionFailed:    nil,
	StatusNormalizationFailed: nil,
	StatusDetectionFailed:     nil,
	StatusDone:                nil,
}

func (s DocumentStatus) Valid() bool {
	_, ok := documentTransitions[s]
	return ok
}

func (s DocumentStatus) IsTerminal() bool {
	switch s {
	case StatusDone, StatusExtractionFailed, StatusNormalizationFailed, StatusDetectionFailed:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is a legal pipeline move.
func (s DocumentStatus) CanTransition(to DocumentStatus) bool {
	for _, next := range documentTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition returns ErrIllegalTransition when from -> to is not allowed.
func CheckTransition(from, to DocumentStatus) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}

// CheckResubmit allows the explicit external resubmission of a terminal version.
func CheckResubmit(from DocumentStatus) error {
	if !from.IsTerminal() {
		return fmt.Errorf("%w: %s is not terminal and cannot be resubmitted", ErrIllegalTransition, from)
	}
	return nil
}

type FindingStatus string

const (
	FindingOpen      FindingStatus = "OPEN"
	FindingReopened  FindingStatus = "REOPENED"
	FindingDismissed FindingStatus = "DISMISSED"
	FindingResolved  FindingStatus = "RESOLVED"
)

var findingTransitions = map[FindingStatus][]FindingStatus{
	FindingOpen:      {FindingDismissed, FindingResolved},
	FindingReopened:  {FindingDismissed, FindingResolved},
	FindingDismissed: {FindingReopened},
	FindingResolved:  {FindingReopened},
}

// IsActive reports whether the finding occupies its scope.
func (s FindingStatus) IsActive() bool {
	return s == FindingOpen || s == FindingReopened
}

func (s FindingStatus) CanTransition(to FindingStatus) bool {
	for _, next := range findingTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

func CheckFindingTransition(from, to FindingStatus) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("%w: finding %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}

type ActionRunStatus string

const (
	RunQueued    ActionRunStatus = "QUEUED"
	RunSending   ActionRunStatus = "SENDING"
	RunSent      ActionRunStatus = "SENT"
	RunDelivered ActionRunStatus = "DELIVERED"
	RunFailed    ActionRunStatus = "FAILED"
	RunResolved  ActionRunStatus = "RESOLVED"
)

var runTransitions = map[ActionRunStatus][]ActionRunStatus{
	RunQueued:    {RunSending, RunFailed},
	RunSending:   {RunSent, RunFailed, RunSending},
	RunSent:      {RunDelivered, RunFailed, RunResolved},
	RunDelivered: {RunResolved},
	RunFailed:    {RunQueued},
	RunResolved:  nil,
}

// AlreadyDispatched reports whether the provider already accepted the message.
func (s ActionRunStatus) AlreadyDispatched() bool {
	return s == RunSent || s == RunDelivered || s == RunResolved
}

func (s ActionRunStatus) CanTransition(to ActionRunStatus) bool {
	for _, next := range runTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

func CheckRunTransition(from, to ActionRunStatus) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("%w: action run %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}
