package config

// Config is the root configuration for the coordinator.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging LoggingConfig `json:"logging"`

	// DataDir holds per-group working directories, mailboxes, and the
	// dead-letter directory. Defaults to "./data".
	DataDir string `json:"data_dir,omitempty"`

	Store     StoreConfig     `json:"store"`
	Queue     QueueConfig     `json:"queue"`
	Mailbox   MailboxConfig   `json:"mailbox"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Agent     AgentConfig     `json:"agent"`
	Router    RouterConfig    `json:"router"`

	// MainGroup bootstraps the privileged group on first start. Once the
	// group exists in the store, this block is only used to locate it.
	MainGroup MainGroupConfig `json:"main_group"`
}

type LoggingConfig struct {
	Level   string     `json:"level,omitempty"`
	Console *bool      `json:"console,omitempty"`
	File    FileConfig `json:"file,omitempty"`
}

type FileConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Path    string `json:"path,omitempty"`
}

type StoreConfig struct {
	// Path to the SQLite database file. Defaults to "<data_dir>/nanoclaw.db".
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type QueueConfig struct {
	// MaxConcurrent caps simultaneously running executions across all groups.
	MaxConcurrent int `json:"max_concurrent,omitempty"`

	// ExecTimeout is the hard wall-clock bound on one execution.
	ExecTimeout string `json:"exec_timeout,omitempty"`

	// ShutdownGrace bounds how long Stop waits for in-flight executions.
	ShutdownGrace string `json:"shutdown_grace,omitempty"`
}

type MailboxConfig struct {
	PollInterval string `json:"poll_interval,omitempty"`
}

type SchedulerConfig struct {
	TickInterval string `json:"tick_interval,omitempty"`
	Timezone     string `json:"timezone,omitempty"` // IANA TZ, e.g. "Asia/Jakarta"

	// StaleOncePolicy decides what happens to a one-shot task whose fire time
	// passed while the process was down: "fire" (default) runs it once on the
	// next tick, "skip" deactivates it without running.
	StaleOncePolicy string `json:"stale_once_policy,omitempty"`
}

type AgentConfig struct {
	// Command and Args spawn the agent CLI. The prompt is passed on stdin and
	// the result is read as JSON from stdout.
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
}

type RouterConfig struct {
	// ErrorNoticesPerMinute rate-limits error notices sent back into a
	// group's chat after failed executions.
	ErrorNoticesPerMinute int `json:"error_notices_per_minute,omitempty"`
}

type MainGroupConfig struct {
	JID     string `json:"jid"`
	Name    string `json:"name,omitempty"`
	Folder  string `json:"folder,omitempty"`
	Trigger string `json:"trigger,omitempty"`
}
