package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE executions (
				id VARCHAR(255) PRIMARY KEY,
				workflow_id VARCHAR(255) NOT NULL,
				mode VARCHAR(50) NOT NULL DEFAULT 'full',
				status VARCHAR(50) NOT NULL,
				trigger_data JSONB,
				graph JSONB,
				flow_execution_path JSONB NOT NULL DEFAULT '[]',
				progress INT NOT NULL DEFAULT 0,
				error JSONB,
				cancel_requested BOOLEAN NOT NULL DEFAULT false,
				pause_requested BOOLEAN NOT NULL DEFAULT false,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				started_at TIMESTAMP WITH TIME ZONE,
				finished_at TIMESTAMP WITH TIME ZONE,
				paused_at TIMESTAMP WITH TIME ZONE,
				resumed_at TIMESTAMP WITH TIME ZONE,
				cancelled_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX idx_executions_workflow_id ON executions(workflow_id);
			CREATE INDEX idx_executions_status ON executions(status);
			CREATE INDEX idx_executions_created_at ON executions(created_at);

			CREATE TABLE node_executions (
				execution_id VARCHAR(255) NOT NULL REFERENCES executions(id) ON DELETE CASCADE,
				node_id VARCHAR(255) NOT NULL,
				node_name VARCHAR(255) NOT NULL DEFAULT '',
				node_type VARCHAR(255) NOT NULL,
				status VARCHAR(50) NOT NULL,
				input_data JSONB,
				output_data JSONB,
				error JSONB,
				dependencies JSONB NOT NULL DEFAULT '[]',
				execution_order INT NOT NULL DEFAULT 0,
				parent_node_id VARCHAR(255) NOT NULL DEFAULT '',
				progress INT NOT NULL DEFAULT 0,
				attempts INT NOT NULL DEFAULT 0,
				active_outputs JSONB,
				started_at TIMESTAMP WITH TIME ZONE,
				finished_at TIMESTAMP WITH TIME ZONE,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				PRIMARY KEY (execution_id, node_id)
			);

			CREATE INDEX idx_node_executions_status ON node_executions(status);
		`,
		2: `
			CREATE TABLE trigger_jobs (
				id VARCHAR(255) PRIMARY KEY,
				workflow_id VARCHAR(255) NOT NULL,
				trigger_id VARCHAR(255) NOT NULL,
				type VARCHAR(50) NOT NULL CHECK (type IN ('schedule', 'polling')),
				job_key VARCHAR(512) NOT NULL,
				cron_expression VARCHAR(255) NOT NULL DEFAULT '',
				poll_interval_ms BIGINT NOT NULL DEFAULT 0,
				timezone VARCHAR(255) NOT NULL DEFAULT '',
				trigger_data JSONB,
				active BOOLEAN NOT NULL DEFAULT true,
				last_run TIMESTAMP WITH TIME ZONE,
				next_run TIMESTAMP WITH TIME ZONE,
				fail_count INT NOT NULL DEFAULT 0,
				last_error TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				UNIQUE (workflow_id, trigger_id)
			);

			CREATE INDEX idx_trigger_jobs_due ON trigger_jobs(next_run) WHERE active;
		`,
	}
}
