package engine

import "context"

// Translation is the result of one machine translation call.
type Translation struct {
	Text           string
	DetectedSource string
}

// Translator translates text between language tags. Implementations must
// honor ctx deadlines; the dispatcher sizes them to the input length.
type Translator interface {
	Translate(ctx context.Context, text, sourceLang, targetLang string) (Translation, error)
	Close() error
}

// Correction is the result of a grammar-correction pass over ASR output.
type Correction struct {
	Corrected string
	Matches   int
}

// Corrector repairs recognizer grammar before translation. Implementations
// may return the input unchanged on error; callers never block the caption
// path on correction.
type Corrector interface {
	Correct(ctx context.Context, text, lang string) (Correction, error)
	Close() error
}
