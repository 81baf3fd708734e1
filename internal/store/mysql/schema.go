package mysql

import (
    "context"
    "database/sql"
    "fmt"

    "github.com/jesus-bazan-entel/apolobilling/pkg/logger"
)

// InitializeSchema creates the billing tables if they do not already
// exist, generalized from the teacher's internal/db.InitializeDatabase
// (createCoreTables) embedded-DDL pattern. It does not drop existing
// data; schema teardown/bootstrap tooling is out of scope (spec.md §1).
func InitializeSchema(ctx context.Context, db *sql.DB) error {
    log := logger.WithContext(ctx)
    log.Info("creating billing schema")

    queries := []string{
        `CREATE TABLE IF NOT EXISTS accounts (
            id BIGINT AUTO_INCREMENT PRIMARY KEY,
            account_number VARCHAR(64) UNIQUE NOT NULL,
            type ENUM('prepaid', 'postpaid') NOT NULL,
            status ENUM('active', 'suspended', 'closed') NOT NULL DEFAULT 'active',
            balance DECIMAL(18,4) NOT NULL DEFAULT 0,
            credit_limit DECIMAL(18,4) NOT NULL DEFAULT 0,
            max_concurrent_calls INT NOT NULL DEFAULT 5,
            metadata JSON,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
            INDEX idx_account_number (account_number),
            INDEX idx_status (status)
        ) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

        `CREATE TABLE IF NOT EXISTS rate_cards (
            id BIGINT AUTO_INCREMENT PRIMARY KEY,
            destination_prefix VARCHAR(20) NOT NULL,
            rate_per_minute DECIMAL(12,6) NOT NULL DEFAULT 0,
            billing_increment INT NOT NULL DEFAULT 60,
            connection_fee DECIMAL(12,4) NOT NULL DEFAULT 0,
            effective_start TIMESTAMP NOT NULL,
            effective_end TIMESTAMP NULL,
            priority INT NOT NULL DEFAULT 0,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            INDEX idx_prefix (destination_prefix),
            INDEX idx_validity (effective_start, effective_end)
        ) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

        `CREATE TABLE IF NOT EXISTS reservations (
            id VARCHAR(36) PRIMARY KEY,
            account_id BIGINT NOT NULL,
            call_uuid VARCHAR(64) NOT NULL,
            reserved_amount DECIMAL(18,4) NOT NULL,
            consumed_amount DECIMAL(18,4) NOT NULL DEFAULT 0,
            released_amount DECIMAL(18,4) NOT NULL DEFAULT 0,
            kind ENUM('initial', 'extension') NOT NULL,
            status ENUM('active', 'partially_consumed', 'fully_consumed', 'released', 'expired') NOT NULL DEFAULT 'active',
            destination_prefix VARCHAR(20) NOT NULL,
            rate_per_minute DECIMAL(12,6) NOT NULL,
            expires_at TIMESTAMP NOT NULL,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
            INDEX idx_account (account_id),
            INDEX idx_call_uuid (call_uuid),
            INDEX idx_status_expiry (status, expires_at),
            FOREIGN KEY (account_id) REFERENCES accounts(id)
        ) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

        `CREATE TABLE IF NOT EXISTS balance_transactions (
            id BIGINT AUTO_INCREMENT PRIMARY KEY,
            account_id BIGINT NOT NULL,
            amount DECIMAL(18,4) NOT NULL,
            previous_balance DECIMAL(18,4) NOT NULL,
            new_balance DECIMAL(18,4) NOT NULL,
            kind ENUM('reservation_create', 'reservation_consume', 'adjustment') NOT NULL,
            reason VARCHAR(255) NOT NULL,
            call_uuid VARCHAR(64),
            reservation_id VARCHAR(36),
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            INDEX idx_account (account_id),
            INDEX idx_call_uuid (call_uuid),
            FOREIGN KEY (account_id) REFERENCES accounts(id)
        ) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

        `CREATE TABLE IF NOT EXISTS cdrs (
            id BIGINT AUTO_INCREMENT PRIMARY KEY,
            call_uuid VARCHAR(64) UNIQUE NOT NULL,
            account_id BIGINT NULL,
            caller_number VARCHAR(32) NOT NULL,
            called_number VARCHAR(32) NOT NULL,
            destination_prefix VARCHAR(20) NOT NULL,
            start_time TIMESTAMP NOT NULL,
            answer_time TIMESTAMP NULL,
            end_time TIMESTAMP NOT NULL,
            duration INT NOT NULL DEFAULT 0,
            billsec INT NOT NULL DEFAULT 0,
            rate_per_minute DECIMAL(12,6) NOT NULL DEFAULT 0,
            cost DECIMAL(18,4) NOT NULL DEFAULT 0,
            hangup_cause VARCHAR(64),
            direction ENUM('inbound', 'outbound') NOT NULL DEFAULT 'inbound',
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            INDEX idx_call_uuid (call_uuid),
            INDEX idx_account (account_id),
            INDEX idx_start_time (start_time)
        ) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
    }

    for _, q := range queries {
        if _, err := db.ExecContext(ctx, q); err != nil {
            return fmt.Errorf("failed to apply schema statement: %w", err)
        }
    }

    log.Info("billing schema ready")
    return nil
}
