package state

var (
	loanPrefix     = []byte("loan:")
	notePrefix     = []byte("note:")
	vaultPrefix    = []byte("vault:")
	noncePrefix    = []byte("nonce:")
	approvalPrefix = []byte("approval:")
	balancePrefix  = []byte("balance:")
	feePrefix      = []byte("fees:")
	lockPrefix     = []byte("lock:")
	rolePrefix     = []byte("role:")
	pausePrefix    = []byte("pause:")

	loanSeqKey  = []byte("seq:loan")
	noteSeqKey  = []byte("seq:note")
	vaultSeqKey = []byte("seq:vault")

	schemaVersionKey = []byte("schema-version")
)
