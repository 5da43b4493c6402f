package model

import (
	"fmt"

	appErr "github.com/xxxsen/markkb/internal/pkg/errors"
)

type SubPhase string

const (
	SubPhaseBookmarkCache        SubPhase = "bookmark_cache"
	SubPhaseMediaAnalysis        SubPhase = "media_analysis"
	SubPhaseContentUnderstanding SubPhase = "content_understanding"
	SubPhaseCategorization       SubPhase = "categorization"
)

// SubPhaseOrder is the fixed execution order used by the synchronous pipeline.
var SubPhaseOrder = []SubPhase{
	SubPhaseBookmarkCache,
	SubPhaseMediaAnalysis,
	SubPhaseContentUnderstanding,
	SubPhaseCategorization,
}

func (p SubPhase) Valid() bool {
	_, ok := subPhaseBits[p]
	return ok
}

// SubPhaseFlags packs the four completion flags of a content record.
type SubPhaseFlags uint8

const (
	FlagBookmarkCached SubPhaseFlags = 1 << iota
	FlagMediaAnalyzed
	FlagContentUnderstood
	FlagCategorized

	FlagsAll = FlagBookmarkCached | FlagMediaAnalyzed | FlagContentUnderstood | FlagCategorized
)

var subPhaseBits = map[SubPhase]SubPhaseFlags{
	SubPhaseBookmarkCache:        FlagBookmarkCached,
	SubPhaseMediaAnalysis:        FlagMediaAnalyzed,
	SubPhaseContentUnderstanding: FlagContentUnderstood,
	SubPhaseCategorization:       FlagCategorized,
}

// subPhaseRequires lists the flags that must be set before a phase may start.
// Categorization consumes the understanding output; nothing else has a hard edge.
var subPhaseRequires = map[SubPhase]SubPhaseFlags{
	SubPhaseCategorization: FlagContentUnderstood,
}

func FlagFor(phase SubPhase) SubPhaseFlags {
	return subPhaseBits[phase]
}

func (f SubPhaseFlags) Has(phase SubPhase) bool {
	bit, ok := subPhaseBits[phase]
	return ok && f&bit != 0
}

func (f SubPhaseFlags) Complete() bool {
	return f&FlagsAll == FlagsAll
}

// CanStart reports whether phase may run given the current flags.
func (f SubPhaseFlags) CanStart(phase SubPhase) error {
	if !phase.Valid() {
		return fmt.Errorf("unknown sub-phase %q: %w", phase, appErr.ErrInvalid)
	}
	required := subPhaseRequires[phase]
	if f&required != required {
		return fmt.Errorf("%s requires %s: %w", phase, missingPhases(f, required), appErr.ErrPrecondition)
	}
	return nil
}

// Mark returns the flags with phase completed, rejecting transitions whose
// precondition does not hold.
func (f SubPhaseFlags) Mark(phase SubPhase) (SubPhaseFlags, error) {
	if err := f.CanStart(phase); err != nil {
		return f, err
	}
	return f | subPhaseBits[phase], nil
}

// Reset starts a new processing generation.
func (f SubPhaseFlags) Reset() SubPhaseFlags {
	return 0
}

func (f SubPhaseFlags) Pending() []SubPhase {
	out := make([]SubPhase, 0, len(SubPhaseOrder))
	for _, phase := range SubPhaseOrder {
		if !f.Has(phase) {
			out = append(out, phase)
		}
	}
	return out
}

func NewSubPhaseFlags(bookmarkCached, mediaAnalyzed, contentUnderstood, categorized bool) SubPhaseFlags {
	var f SubPhaseFlags
	if bookmarkCached {
		f |= FlagBookmarkCached
	}
	if mediaAnalyzed {
		f |= FlagMediaAnalyzed
	}
	if contentUnderstood {
		f |= FlagContentUnderstood
	}
	if categorized {
		f |= FlagCategorized
	}
	return f
}

func missingPhases(f, required SubPhaseFlags) []SubPhase {
	var out []SubPhase
	for _, phase := range SubPhaseOrder {
		bit := subPhaseBits[phase]
		if required&bit != 0 && f&bit == 0 {
			out = append(out, phase)
		}
	}
	return out
}
