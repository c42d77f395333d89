package schema

import "fmt"

// Scale is the number of decimal places used by a scaled integer.
// Example: Scale=9 means the integer value is scaled by 1e9.
type Scale int32

// InstrumentID is the numeric identifier for an instrument.
type InstrumentID uint32

// AccountID is the numeric identifier for a trading account.
type AccountID uint32

// Instrument describes a tradable token.
type Instrument struct {
	ID           InstrumentID
	Symbol       string
	Mint         string
	BaseDecimals Scale
	MinUnit      Quantity
}

// Account describes a trading account and its on-chain owner.
type Account struct {
	ID    AccountID
	Name  string
	Owner string
}

// Registry stores instrument and account mappings in a compact form.
type Registry struct {
	instruments        []Instrument
	accounts           []Account
	instrumentBySymbol map[string]InstrumentID
	instrumentByMint   map[string]InstrumentID
	accountByName      map[string]AccountID
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		instrumentBySymbol: make(map[string]InstrumentID),
		instrumentByMint:   make(map[string]InstrumentID),
		accountByName:      make(map[string]AccountID),
	}
}

// AddInstrument registers a new instrument and returns its ID.
func (r *Registry) AddInstrument(symbol, mint string, baseDecimals Scale, minUnit Quantity) (InstrumentID, error) {
	if symbol == "" {
		return 0, fmt.Errorf("instrument symbol is empty")
	}
	if minUnit <= 0 {
		return 0, fmt.Errorf("instrument min unit must be > 0: %s", symbol)
	}
	if id, ok := r.instrumentBySymbol[symbol]; ok {
		return id, fmt.Errorf("instrument already exists: %s", symbol)
	}
	id := InstrumentID(len(r.instruments) + 1)
	r.instruments = append(r.instruments, Instrument{
		ID:           id,
		Symbol:       symbol,
		Mint:         mint,
		BaseDecimals: baseDecimals,
		MinUnit:      minUnit,
	})
	r.instrumentBySymbol[symbol] = id
	if mint != "" {
		r.instrumentByMint[mint] = id
	}
	return id, nil
}

// AddAccount registers a new account and returns its ID.
func (r *Registry) AddAccount(name, owner string) (AccountID, error) {
	if name == "" {
		return 0, fmt.Errorf("account name is empty")
	}
	if id, ok := r.accountByName[name]; ok {
		return id, fmt.Errorf("account already exists: %s", name)
	}
	id := AccountID(len(r.accounts) + 1)
	r.accounts = append(r.accounts, Account{ID: id, Name: name, Owner: owner})
	r.accountByName[name] = id
	return id, nil
}

// Instrument returns the instrument by ID.
func (r *Registry) Instrument(id InstrumentID) (Instrument, bool) {
	if id == 0 || int(id) > len(r.instruments) {
		return Instrument{}, false
	}
	return r.instruments[id-1], true
}

// Account returns the account by ID.
func (r *Registry) Account(id AccountID) (Account, bool) {
	if id == 0 || int(id) > len(r.accounts) {
		return Account{}, false
	}
	return r.accounts[id-1], true
}

// InstrumentCount returns the number of instruments in the registry.
func (r *Registry) InstrumentCount() int {
	return len(r.instruments)
}

// InstrumentAt returns the instrument by zero-based index.
func (r *Registry) InstrumentAt(index int) (Instrument, bool) {
	if index < 0 || index >= len(r.instruments) {
		return Instrument{}, false
	}
	return r.instruments[index], true
}

// InstrumentIDBySymbol returns the instrument ID for a symbol.
func (r *Registry) InstrumentIDBySymbol(symbol string) (InstrumentID, bool) {
	id, ok := r.instrumentBySymbol[symbol]
	return id, ok
}

// InstrumentIDByMint returns the instrument ID for a mint address.
func (r *Registry) InstrumentIDByMint(mint string) (InstrumentID, bool) {
	id, ok := r.instrumentByMint[mint]
	return id, ok
}

// AccountIDByName returns the account ID for a name.
func (r *Registry) AccountIDByName(name string) (AccountID, bool) {
	id, ok := r.accountByName[name]
	return id, ok
}
