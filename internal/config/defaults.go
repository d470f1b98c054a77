package config

const (
	StoreSQLite   = "sqlite"
	StoreRedis    = "redis"
	StorePostgres = "postgres"

	BrokerSQLite = "sqlite"
	BrokerRedis  = "redis"
	BrokerAMQP   = "amqp"

	ArtifactsFS = "fs"
	ArtifactsS3 = "s3"
)

const (
	defaultStateDir                 = "~/.local/share/meshqueue"
	defaultWorkDir                  = "~/.local/share/meshqueue/work"
	defaultArtifactsRoot            = "~/.local/share/meshqueue/artifacts"
	defaultAPIBind                  = "127.0.0.1:7480"
	defaultMaxUploadMB              = 100
	defaultStorePrefix              = "meshqueue"
	defaultBrokerQueue              = "meshqueue.jobs"
	defaultBrokerMaxDeliveries      = 3
	defaultBrokerVisibilityTimeout  = 300
	defaultBrokerPollIntervalMS     = 1000
	defaultWorkerConcurrency        = 2
	defaultWorkerMaxAttempts        = 3
	defaultWorkerRetryBackoffMS     = 2000
	defaultWorkerHeartbeatInterval  = 15
	defaultWorkerErrorRetryInterval = 5
	defaultLogFormat                = "console"
	defaultLogLevel                 = "info"
	defaultSlicerBinary             = "prusa-slicer"
	defaultBlenderBinary            = "blender"
	defaultValidateScript           = "/usr/local/share/meshqueue/validate.py"
	defaultToolTimeout              = 3600
	defaultNtfyRequestTimeout       = 10
	maxWorkerAttempts               = 100
)

var defaultSupportedExtensions = []string{".obj", ".stl", ".glb", ".gltf", ".3mf"}

var defaultPipeline = []string{"validate", "repair", "slice"}

func boolPtr(v bool) *bool { return &v }

// defaultStages holds the built-in invocation for every stage kind.
func defaultStages() map[string]Stage {
	return map[string]Stage{
		"convert": {
			Command:       defaultSlicerBinary,
			Args:          []string{"--export-obj", "--output", "{output}", "{input}"},
			OutputName:    "converted.obj",
			OutputPattern: "*.obj",
			Produces:      "model",
			Timeout:       defaultToolTimeout,
			SuccessCodes:  []int{0},
			Retryable:     boolPtr(true),
		},
		"validate": {
			Command:       defaultBlenderBinary,
			Args:          []string{"-b", "-P", defaultValidateScript, "--", "{input}"},
			OutputName:    "report.json",
			OutputPattern: "report.json",
			StdoutFile:    "stdout.txt",
			Produces:      "report",
			Timeout:       defaultToolTimeout,
			SuccessCodes:  []int{0},
			Retryable:     boolPtr(true),
		},
		"repair": {
			Command:       defaultSlicerBinary,
			Args:          []string{"--repair", "--export-stl", "--output", "{output}", "{input}"},
			OutputName:    "repaired.stl",
			OutputPattern: "*.stl",
			Produces:      "model",
			Timeout:       defaultToolTimeout,
			SuccessCodes:  []int{0},
			Retryable:     boolPtr(true),
		},
		"slice": {
			Command:       defaultSlicerBinary,
			Args:          []string{"--gcode", "--output", "{output_dir}", "{input}"},
			OutputPattern: "*",
			Prefer:        []string{".gcode", ".bgcode"},
			Produces:      "model",
			Timeout:       defaultToolTimeout,
			SuccessCodes:  []int{0},
			Retryable:     boolPtr(true),
			Warnings: []Warning{
				{Match: "Low bed adhesion", Message: "SLICING: low bed adhesion detected; consider a brim or raft"},
			},
		},
	}
}

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			StateDir: defaultStateDir,
			WorkDir:  defaultWorkDir,
		},
		API: API{
			Bind:                defaultAPIBind,
			MaxUploadMB:         defaultMaxUploadMB,
			SupportedExtensions: append([]string(nil), defaultSupportedExtensions...),
			DefaultPipeline:     append([]string(nil), defaultPipeline...),
			AutoConvert:         true,
		},
		Store: Store{
			Backend: StoreSQLite,
			Prefix:  defaultStorePrefix,
		},
		Broker: Broker{
			Backend:           BrokerSQLite,
			Queue:             defaultBrokerQueue,
			MaxDeliveries:     defaultBrokerMaxDeliveries,
			VisibilityTimeout: defaultBrokerVisibilityTimeout,
			PollIntervalMS:    defaultBrokerPollIntervalMS,
		},
		Artifacts: Artifacts{
			Backend: ArtifactsFS,
			Root:    defaultArtifactsRoot,
		},
		Workers: Workers{
			Concurrency:        defaultWorkerConcurrency,
			MaxAttempts:        defaultWorkerMaxAttempts,
			RetryBackoffMS:     defaultWorkerRetryBackoffMS,
			HeartbeatInterval:  defaultWorkerHeartbeatInterval,
			ErrorRetryInterval: defaultWorkerErrorRetryInterval,
		},
		Stages: defaultStages(),
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
		Metrics: Metrics{Enabled: true},
		Notifications: Notifications{
			RequestTimeout: defaultNtfyRequestTimeout,
		},
	}
}
