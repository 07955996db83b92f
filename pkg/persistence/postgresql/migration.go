package postgresql

// Flow tables live in a dedicated "orchestration" schema, isolated from
// general application tables. Every cross-table foreign key targets a primary
// key, never a business identifier: child_flows.master_flow_id references
// master_flows.id, and the UNIQUE (master_flow_id, flow_type) index prevents
// duplicate child rows per master.
func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE SCHEMA IF NOT EXISTS orchestration;

			CREATE TABLE IF NOT EXISTS orchestration.master_flows (
				id UUID PRIMARY KEY,
				flow_id UUID NOT NULL UNIQUE,
				client_account_id TEXT NOT NULL,
				engagement_id TEXT NOT NULL,
				flow_type TEXT NOT NULL,
				flow_name TEXT NOT NULL,
				flow_status TEXT NOT NULL DEFAULT 'pending',
				current_phase TEXT,
				phases_completed JSONB NOT NULL DEFAULT '[]',
				phase_results JSONB NOT NULL DEFAULT '{}',
				flow_configuration JSONB,
				flow_metadata JSONB,
				progress_percentage DOUBLE PRECISION NOT NULL DEFAULT 0,
				retry_count INTEGER NOT NULL DEFAULT 0,
				error_message TEXT,
				created_by TEXT,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				deleted_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX IF NOT EXISTS idx_master_flows_tenant
				ON orchestration.master_flows (client_account_id, engagement_id);
			CREATE INDEX IF NOT EXISTS idx_master_flows_status
				ON orchestration.master_flows (flow_status);
			CREATE INDEX IF NOT EXISTS idx_master_flows_updated_at
				ON orchestration.master_flows (updated_at);

			CREATE TABLE IF NOT EXISTS orchestration.child_flows (
				id UUID PRIMARY KEY,
				flow_id UUID NOT NULL UNIQUE,
				master_flow_id UUID NOT NULL
					REFERENCES orchestration.master_flows (id) ON DELETE CASCADE,
				flow_type TEXT NOT NULL,
				client_account_id TEXT NOT NULL,
				engagement_id TEXT NOT NULL,
				status TEXT NOT NULL DEFAULT 'active',
				phase_state JSONB,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				deleted_at TIMESTAMP WITH TIME ZONE,
				UNIQUE (master_flow_id, flow_type)
			);

			CREATE INDEX IF NOT EXISTS idx_child_flows_master
				ON orchestration.child_flows (master_flow_id);
			CREATE INDEX IF NOT EXISTS idx_child_flows_tenant
				ON orchestration.child_flows (client_account_id, engagement_id);
		`,
		2: `
			CREATE TABLE IF NOT EXISTS orchestration.failure_journal (
				id UUID PRIMARY KEY,
				master_flow_id UUID,
				flow_id UUID NOT NULL,
				client_account_id TEXT NOT NULL,
				engagement_id TEXT NOT NULL,
				phase TEXT,
				reason TEXT NOT NULL,
				error_message TEXT NOT NULL,
				attempt INTEGER NOT NULL DEFAULT 0,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			CREATE INDEX IF NOT EXISTS idx_failure_journal_flow
				ON orchestration.failure_journal (flow_id);

			CREATE TABLE IF NOT EXISTS orchestration.flow_deletion_audit (
				id UUID PRIMARY KEY,
				master_flow_id UUID,
				flow_id UUID NOT NULL,
				client_account_id TEXT NOT NULL,
				engagement_id TEXT NOT NULL,
				flow_type TEXT NOT NULL,
				deleted_by TEXT NOT NULL,
				reason TEXT,
				forced BOOLEAN NOT NULL DEFAULT FALSE,
				flow_payload JSONB,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			CREATE INDEX IF NOT EXISTS idx_flow_deletion_audit_flow
				ON orchestration.flow_deletion_audit (flow_id);
		`,
	}
}
