// Command escrowd runs the escrow issuance and redemption server.
package main

import (
	"database/sql"
	"flag"
	"log"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	escrow "dynft/escrow"
	"dynft/escrow/ledger"
	"dynft/escrow/store"

	_ "github.com/mattn/go-sqlite3"
)

func main() {
	var (
		conffile = flag.String("config", "", "path to TOML config (defaults apply if empty)")
		addr     = flag.String("addr", "", "server listen address (overrides config)")
		dbfile   = flag.String("db", "", "path to db (overrides config)")
		algod    = flag.String("algod", "", "algod node url (overrides config)")
	)
	flag.Parse()

	conf, err := escrow.LoadConfig(*conffile)
	if err != nil {
		log.Fatal(err)
	}
	if *addr != "" {
		conf.ListenAddr = *addr
	}
	if *dbfile != "" {
		conf.DBFile = *dbfile
	}
	if *algod != "" {
		conf.AlgodURL = *algod
	}

	db, err := sql.Open("sqlite3", conf.DBFile)
	if err != nil {
		log.Fatalf("error opening db: %s", err)
	}
	defer db.Close()
	st, err := store.New(db)
	if err != nil {
		log.Fatal(err)
	}

	var ld *ledger.AlgodLedger
	if conf.IndexerURL != "" {
		ld, err = ledger.DialWithIndexer(conf.AlgodURL, conf.AlgodToken, conf.IndexerURL, conf.IndexerToken)
	} else {
		ld, err = ledger.Dial(conf.AlgodURL, conf.AlgodToken)
	}
	if err != nil {
		log.Fatal(err)
	}

	iss := escrow.NewIssuer(conf, st, ld)
	reg := prometheus.NewRegistry()
	iss.Metrics = escrow.NewMetrics(reg)

	listener, err := net.Listen("tcp", conf.ListenAddr)
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("listening on %s, node %s", listener.Addr(), conf.AlgodURL)

	mux := http.NewServeMux()
	srv := &escrow.Server{Issuer: iss}
	srv.Register(mux)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	http.Serve(listener, mux)
}
