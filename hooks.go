package identcache

// Hooks are lightweight callbacks for high-signal events. Implementations
// MUST be cheap and non-blocking; the cache calls them on hot paths.
// Wrap with hooks/async to push work off the lookup path.
type Hooks interface {
	// A store region failed validation during a read. The class now
	// misses on every key until the writer rebuilds it.
	CorruptStore(class string)

	// A slot payload decoded with an error and was treated as a miss.
	DecodeError(class, alias string, err error)

	// Populate was skipped because the class epoch moved past the
	// observed value between the backend query and the write.
	PopulateSkipped(class, alias string, observed, current uint64)

	// A record's alias+payload did not fit a slot and was not cached.
	RecordTooLarge(class, alias string)

	// Epoch store errors (snapshot or bump).
	EpochSnapshotError(class string, err error)
	EpochBumpError(class string, err error)

	// Negative-cache provider errors; lookups degrade to plain misses.
	NegativeStoreError(class string, err error)

	// The negative-cache provider rejected a write under pressure.
	NegativeSetRejected(class, alias string)
}

// NopHooks is the default no-op.
type NopHooks struct{}

func (NopHooks) CorruptStore(string)                            {}
func (NopHooks) DecodeError(string, string, error)              {}
func (NopHooks) PopulateSkipped(string, string, uint64, uint64) {}
func (NopHooks) RecordTooLarge(string, string)                  {}
func (NopHooks) EpochSnapshotError(string, error)               {}
func (NopHooks) EpochBumpError(string, error)                   {}
func (NopHooks) NegativeStoreError(string, error)               {}
func (NopHooks) NegativeSetRejected(string, string)             {}
