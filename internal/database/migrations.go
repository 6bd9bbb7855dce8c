package database

// Migration represents a database migration
type Migration struct {
	Version int
	SQL     string
}

// migrations is the list of all database migrations
var migrations = []Migration{
	{
		Version: 1,
		SQL: `
			-- Credential metadata. Owns no secret: the secret lives in the
			-- keychain keyed by (kind, identifier, principal).
			CREATE TABLE credentials (
				id TEXT PRIMARY KEY,
				kind TEXT NOT NULL,
				identifier TEXT NOT NULL UNIQUE,
				principal TEXT NOT NULL,
				service_host TEXT,
				service_port INTEGER,
				use_tls INTEGER NOT NULL DEFAULT 1,
				extra_metadata TEXT,
				is_active INTEGER NOT NULL DEFAULT 1,
				created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
				updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
			);

			CREATE INDEX idx_credentials_kind ON credentials(kind);

			-- Download jobs
			CREATE TABLE download_jobs (
				id TEXT PRIMARY KEY,
				source_kind TEXT NOT NULL,
				credential_id TEXT NOT NULL REFERENCES credentials(id),
				status TEXT NOT NULL DEFAULT 'pending',

				total INTEGER NOT NULL DEFAULT 0,
				downloaded INTEGER NOT NULL DEFAULT 0,
				failed INTEGER NOT NULL DEFAULT 0,
				skipped INTEGER NOT NULL DEFAULT 0,
				in_progress INTEGER NOT NULL DEFAULT 0,
				bytes INTEGER NOT NULL DEFAULT 0,

				source_state TEXT NOT NULL DEFAULT '{}',
				last_error TEXT,
				retry_count INTEGER NOT NULL DEFAULT 0,

				created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
				started_at DATETIME,
				updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
				completed_at DATETIME,
				last_sync_at DATETIME
			);

			CREATE INDEX idx_download_jobs_status ON download_jobs(status);
			CREATE INDEX idx_download_jobs_credential ON download_jobs(credential_id);

			-- Download items
			CREATE TABLE download_items (
				id TEXT PRIMARY KEY,
				job_id TEXT NOT NULL REFERENCES download_jobs(id) ON DELETE CASCADE,
				source_identifier TEXT NOT NULL,
				source_folder TEXT,
				item_kind TEXT NOT NULL DEFAULT 'email',
				status TEXT NOT NULL DEFAULT 'pending',
				size_bytes INTEGER NOT NULL DEFAULT 0,
				metadata TEXT,
				error TEXT,
				retry_count INTEGER NOT NULL DEFAULT 0,
				local_store_ref TEXT,

				created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
				updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,

				UNIQUE(job_id, source_identifier)
			);

			CREATE INDEX idx_download_items_job ON download_items(job_id);
			CREATE INDEX idx_download_items_status ON download_items(job_id, status);

			-- Downloaded email bodies, keyed by the item that produced them.
			CREATE TABLE downloaded_messages (
				id TEXT PRIMARY KEY,
				item_id TEXT NOT NULL REFERENCES download_items(id) ON DELETE CASCADE,
				job_id TEXT NOT NULL REFERENCES download_jobs(id) ON DELETE CASCADE,
				subject TEXT,
				from_address TEXT,
				body_text TEXT,
				body_html TEXT,
				raw_size INTEGER NOT NULL DEFAULT 0,
				received_at DATETIME,
				created_at DATETIME DEFAULT CURRENT_TIMESTAMP
			);

			CREATE INDEX idx_downloaded_messages_item ON downloaded_messages(item_id);
			CREATE INDEX idx_downloaded_messages_job ON downloaded_messages(job_id);

			-- OAuth2 PKCE state entries: single-use, short absolute lifetime.
			CREATE TABLE oauth_states (
				csrf_token TEXT PRIMARY KEY,
				verifier TEXT NOT NULL,
				created_at DATETIME NOT NULL
			);

			-- Financial extraction patterns
			CREATE TABLE patterns (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL UNIQUE,
				regex TEXT NOT NULL UNIQUE,
				document_kind TEXT NOT NULL,
				status TEXT NOT NULL,
				base_confidence REAL NOT NULL,
				amount_group INTEGER NOT NULL,
				vendor_group INTEGER NOT NULL DEFAULT 0,
				date_group INTEGER NOT NULL DEFAULT 0,
				is_default INTEGER NOT NULL DEFAULT 0,
				is_active INTEGER NOT NULL DEFAULT 1,
				match_count INTEGER NOT NULL DEFAULT 0,
				last_matched_at DATETIME,
				created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
				updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
			);

			CREATE INDEX idx_patterns_active ON patterns(is_active);

			-- Extraction records
			CREATE TABLE extraction_records (
				id TEXT PRIMARY KEY,
				source_kind TEXT NOT NULL,
				source_id TEXT NOT NULL,
				document_kind TEXT NOT NULL,
				status TEXT NOT NULL,
				amount REAL NOT NULL,
				currency TEXT NOT NULL DEFAULT 'USD',
				transaction_date DATETIME,
				vendor TEXT,
				category TEXT,
				confidence REAL NOT NULL,
				pattern_id TEXT NOT NULL REFERENCES patterns(id),
				created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
				updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
			);

			CREATE INDEX idx_extraction_records_source ON extraction_records(source_kind, source_id);

			-- Extraction-source attempts: audit + idempotency suppression.
			CREATE TABLE extraction_attempts (
				id TEXT PRIMARY KEY,
				source_kind TEXT NOT NULL,
				source_account_id TEXT NOT NULL,
				attempted_at DATETIME NOT NULL,
				items_scanned INTEGER NOT NULL DEFAULT 0,
				records_produced INTEGER NOT NULL DEFAULT 0,
				status TEXT NOT NULL,
				error TEXT
			);

			CREATE INDEX idx_extraction_attempts_source ON extraction_attempts(source_kind, source_account_id, status);
		`,
	},
	{
		// Seeds the default pattern set. Default patterns are system-owned:
		// name, regex, capture groups, document_kind and status are
		// immutable after this point (internal/pattern.Store enforces it);
		// only is_active can be toggled per-pattern.
		Version: 2,
		SQL: `
			INSERT INTO patterns (id, name, regex, document_kind, status, base_confidence,
				amount_group, vendor_group, date_group, is_default, is_active, created_at, updated_at)
			VALUES
				('pat-payment-confirmation', 'payment_confirmation',
					'[Yy]our payment of \$([0-9]+(?:\.[0-9]{2})?) to ([A-Za-z0-9][A-Za-z0-9 &.''-]*[A-Za-z0-9.]) was successful',
					'payment-confirmation', 'paid', 0.90, 1, 2, 0, 1, 1, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP),
				('pat-invoice-amount-due', 'invoice_amount_due',
					'[Ii]nvoice .*?[Aa]mount [Dd]ue:?\s*\$([0-9]+(?:\.[0-9]{2})?)',
					'invoice', 'pending', 0.70, 1, 0, 0, 1, 1, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP),
				('pat-bill-past-due', 'bill_past_due',
					'[Yy]our bill (?:from|with) ([A-Za-z0-9][A-Za-z0-9 &.''-]*[A-Za-z0-9.]) (?:for|of) \$([0-9]+(?:\.[0-9]{2})?) is (?:past due|overdue)',
					'bill', 'overdue', 0.75, 2, 1, 0, 1, 1, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP),
				('pat-receipt-total', 'receipt_total',
					'[Rr]eceipt for your (?:purchase|order) (?:at|from) ([A-Za-z0-9][A-Za-z0-9 &.''-]*[A-Za-z0-9.]).*?[Tt]otal:?\s*\$([0-9]+(?:\.[0-9]{2})?)',
					'receipt', 'paid', 0.80, 2, 1, 0, 1, 1, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`,
	},
}
