/*
Package models defines the records the relay-farm store persists. They are
bun models; the database package owns every query against them.

Core Types:

Account is one login from the accounts file together with the history of
proxies it has been given:

	type Account struct {
		ID        int64     // Unique identifier
		Email     string    // Login, unique
		Proxies   string    // Comma-joined assignment history, oldest first
		CreatedAt time.Time
		UpdatedAt time.Time
	}

Proxy is the authoritative status of one proxy endpoint:

	type Proxy struct {
		URL       string      // Normalised proxy URL, primary key
		Status    ProxyStatus // spare, assigned or quarantined
		Owner     string      // Email of the owning account while assigned
		UpdatedAt time.Time
	}

PointStat is the last points value reported for an account:

	type PointStat struct {
		AccountID string    // Account id as reported by the API
		Email     string
		Points    string    // Raw value; may be non-numeric
		UpdatedAt time.Time
	}

Pool Membership:

A proxy is in exactly one of three sets at any time, which follows from the
single status column:
  - spare: unowned and available to DrawProxy
  - assigned: in use by Owner
  - quarantined: excluded until the quarantine is cleared

Clearing the quarantine returns proxies to spare. An account's history keeps
every proxy it was ever assigned, including ones since quarantined.
*/
package models
