// Package domain defines the duel coordination entities: invites with a
// bounded response window and sessions with a fixed-duration countdown.
// Records only enter a live state through the constructors here; every
// transition out of a live state is performed by the engine through a
// guarded storage write.
package domain
