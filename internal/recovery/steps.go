package recovery

import rmtypes "github.com/Meesho/BharatMLStack/control-plane/internal/types"

var defaultSteps = []rmtypes.RecoveryStep{rmtypes.StepRestartService}

var stepTable = map[rmtypes.FailureClass][]rmtypes.RecoveryStep{
	rmtypes.FailureServiceCrash: {
		rmtypes.StepRestartService,
		rmtypes.StepVerifyHealth,
		rmtypes.StepRestoreConnections,
	},
	rmtypes.FailureMemoryLeak: {
		rmtypes.StepClearCache,
		rmtypes.StepRestartService,
		rmtypes.StepScaleResources,
	},
	rmtypes.FailureNetwork: {
		rmtypes.StepResetConnections,
		rmtypes.StepUpdateRouting,
		rmtypes.StepVerifyConnectivity,
	},
	rmtypes.FailureDatabaseConnection: {
		rmtypes.StepReconnectPool,
		rmtypes.StepVerifyCredentials,
		rmtypes.StepTestQueries,
	},
}

// StepsFor returns a fresh copy of the remediation sequence for class.
// Unknown classifications get a single restart.
func StepsFor(class rmtypes.FailureClass) []rmtypes.RecoveryStep {
	steps, ok := stepTable[class]
	if !ok {
		steps = defaultSteps
	}
	return append([]rmtypes.RecoveryStep(nil), steps...)
}

func IsKnownClassification(class rmtypes.FailureClass) bool {
	_, ok := stepTable[class]
	return ok
}
