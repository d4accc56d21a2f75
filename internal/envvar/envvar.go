package envvar

const (
	// RvcbrokerEnv is the environment variable used to determine the environment
	RvcbrokerEnv = "RVCBROKER_ENV"

	// RvcbrokerServerHTTPPort is the environment variable used to determine the HTTP port
	RvcbrokerServerHTTPPort = "RVCBROKER_SERVER_HTTP_PORT"

	// RvcbrokerServerGRPCPort is the environment variable used to determine the gRPC port
	RvcbrokerServerGRPCPort = "RVCBROKER_SERVER_GRPC_PORT"

	// RvcbrokerModelsPath overrides the voice models root directory
	RvcbrokerModelsPath = "RVCBROKER_MODELS_PATH"

	// RvcbrokerDevice overrides the compute device selection (auto, cpu, cuda)
	RvcbrokerDevice = "RVCBROKER_DEVICE"
)
