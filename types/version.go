package types

// Version is the canonical project version.
// The CLI, the report schema and the transcript frame format share this
// version per the lockstep versioning policy.
const Version = "0.3.0"
