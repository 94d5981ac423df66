package chain

// Minimal ABI fragments for the two contracts the backend touches.

// identityRegistryABI covers the machine identity registry.
const identityRegistryABI = `[
	{
		"name": "controllerOf",
		"type": "function",
		"stateMutability": "view",
		"inputs": [{"name": "robotId", "type": "string"}],
		"outputs": [{"name": "controller", "type": "address"}]
	},
	{
		"name": "register",
		"type": "function",
		"stateMutability": "nonpayable",
		"inputs": [
			{"name": "robotId", "type": "string"},
			{"name": "controller", "type": "address"}
		],
		"outputs": []
	}
]`

// escrowABI covers the settlement entrypoint of the job escrow contract.
const escrowABI = `[
	{
		"name": "settleCompletion",
		"type": "function",
		"stateMutability": "nonpayable",
		"inputs": [
			{"name": "jobId", "type": "uint256"},
			{"name": "jobSpecHash", "type": "bytes32"},
			{"name": "manifestHash", "type": "bytes32"},
			{"name": "robotId", "type": "string"},
			{"name": "controller", "type": "address"},
			{"name": "deadline", "type": "uint256"},
			{"name": "qualityScore", "type": "uint256"},
			{"name": "workUnits", "type": "uint256"},
			{"name": "signature", "type": "bytes"}
		],
		"outputs": []
	}
]`
