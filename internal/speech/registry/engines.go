package registry

import "github.com/polyglotcast/polyglotcast/internal/speech/engine"

// ASR holds the streaming recognizer backends.
var ASR = New[engine.StreamingASR]()

// MT holds the machine translation backends.
var MT = New[engine.Translator]()

// TTS holds the synthesis backends, keyed by engine name (the router maps
// tiers to engine names through the voice catalog).
var TTS = New[engine.Synthesizer]()

// Grammar holds the grammar correction backends.
var Grammar = New[engine.Corrector]()
