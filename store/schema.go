package store

const schema = `
CREATE TABLE IF NOT EXISTS escrows (
  escrow_address TEXT NOT NULL PRIMARY KEY,
  program BLOB NOT NULL,
  fingerprint BLOB NOT NULL,
  asset_name TEXT NOT NULL,
  asset_unit TEXT NOT NULL,
  locked_amount INTEGER NOT NULL,
  creator TEXT NOT NULL,
  nonce INTEGER NOT NULL,
  state INTEGER NOT NULL DEFAULT 0,
  asset_id INTEGER NOT NULL DEFAULT 0,
  funded_amount INTEGER NOT NULL DEFAULT 0,
  opted_in INTEGER NOT NULL DEFAULT 0,
  payout INTEGER NOT NULL DEFAULT 0,
  remainder INTEGER NOT NULL DEFAULT 0,
  pending_txid TEXT NOT NULL DEFAULT ''
);
`
