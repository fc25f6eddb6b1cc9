package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/alecthomas/kingpin.v2"

	"examsync/internal/api"
	"examsync/internal/directory"
	"examsync/internal/logging"
	"examsync/internal/node"
	"examsync/internal/scoring"
	"examsync/internal/transport"
)

var (
	app = kingpin.New("examsync", "Distributed exam coordination: mutual exclusion, clock sync and bounded finalization.")

	id          = app.Flag("id", "node id (students: roll number)").Envar("EXAMSYNC_ID").String()
	addr        = app.Flag("addr", "listen address host:port").Envar("EXAMSYNC_ADDR").String()
	coordinator = app.Flag("coordinator", "coordinator address host:port").Envar("EXAMSYNC_COORDINATOR").Default("127.0.0.1:9000").String()
	timeout     = app.Flag("timeout", "per-call RPC timeout").Envar("EXAMSYNC_TIMEOUT").Default("5s").Duration()
	startTime   = app.Flag("time", "initial local time HH-MM-SS").Envar("EXAMSYNC_TIME").String()
	dbPath      = app.Flag("db", "SQLite file for scores (coordinator, teacher); empty keeps them in memory").Envar("EXAMSYNC_DB").String()
	chaos       = app.Flag("chaos", "randomly delay/drop outbound requests (incl. liveness probes)").Envar("EXAMSYNC_CHAOS").Bool()
	logJSON     = app.Flag("log-json", "log in JSON").Envar("EXAMSYNC_LOG_JSON").Bool()
	logLevel    = app.Flag("log-level", "log level").Envar("EXAMSYNC_LOG_LEVEL").Default("info").String()

	coordCmd        = app.Command("coordinator", "run the coordinator (directory, clock sync, finalization)")
	capacity        = coordCmd.Flag("capacity", "finalization jobs processed locally at once").Envar("EXAMSYNC_CAPACITY").Default("3").Int()
	backupAddr      = coordCmd.Flag("backup", "backup node address").Envar("EXAMSYNC_BACKUP").Default("127.0.0.1:9010").String()
	teacherAddr     = coordCmd.Flag("teacher", "teacher address receiving a copy of every score").Envar("EXAMSYNC_TEACHER").String()
	syncEvery       = coordCmd.Flag("sync-every", "run clock synchronization periodically (0 = manual only)").Envar("EXAMSYNC_SYNC_EVERY").Default("0s").Duration()
	forwardAttempts = coordCmd.Flag("forward-attempts", "attempts to hand a job to the backup").Default("3").Int()
	backupDeadline  = coordCmd.Flag("backup-deadline", "re-route forwarded jobs without a result after this long (0 = never)").Default("10s").Duration()
	processing      = coordCmd.Flag("processing-delay", "simulated finalization work").Default("1s").Duration()

	studentCmd   = app.Command("student", "run a student node; each line on stdin is entered as ISA marks")
	waitTimeout  = studentCmd.Flag("wait-timeout", "give up a critical section request after this long").Default("2m").Duration()
	excludeAfter = studentCmd.Flag("exclude-after", "exclude a peer from the grant set after failing probes this long").Default("5s").Duration()
	probeFrom    = studentCmd.Flag("probe-from", "first port probed when the coordinator is down").Default("9101").Int()
	probeTo      = studentCmd.Flag("probe-to", "last port probed when the coordinator is down").Default("9110").Int()

	teacherCmd = app.Command("teacher", "run the teacher node (score book, clock participant)")
	pull       = teacherCmd.Flag("pull", "answer clock rounds with the local time instead of reporting an offset").Bool()

	backupCmd     = app.Command("backup", "run the backup finalization worker")
	backupWorkFor = backupCmd.Flag("processing-delay", "simulated finalization work").Default("1s").Duration()

	clientCmd    = app.Command("client", "one-shot calls against the coordinator")
	submitCmd    = clientCmd.Command("submit", "submit a finalization job")
	submitID     = submitCmd.Arg("student", "student id").Required().String()
	submitAnswer = submitCmd.Flag("answers", "answers as q=option,q=option").String()
	submitFlags  = submitCmd.Flag("flags", "cheating warnings raised").Int()
	syncCmd      = clientCmd.Command("sync", "run a clock synchronization round now")
	scoresCmd    = clientCmd.Command("scores", "list recorded scores")
	statusCmd    = clientCmd.Command("status", "show a node's status")
	statusTarget = statusCmd.Arg("target", "node address (default: coordinator)").String()
)

func main() {
	cmd := kingpin.MustParse(app.Parse(os.Args[1:]))

	cli := transport.NewClient(*timeout)
	if *chaos {
		cli.EnableChaos(transport.DefaultChaosConfig())
	}
	rpc := api.NewClient(cli)

	if strings.HasPrefix(cmd, clientCmd.FullCommand()+" ") {
		if err := runClient(cmd, rpc); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	role := directory.Role(cmd)
	cfg := buildConfig(role)
	log, err := logging.New(logging.Options{Node: cfg.ID, Role: string(role), JSON: *logJSON, Level: *logLevel})
	app.FatalIfError(err, "logging")
	if *chaos {
		log.Warn("CHAOS enabled: outbound requests may be delayed/dropped")
	}

	n, err := node.New(cfg, rpc, log)
	app.FatalIfError(err, "node")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	httpServer := &http.Server{Addr: cfg.Addr, Handler: n.Handler()}
	go func() {
		log.WithField("addr", cfg.Addr).Info("listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("listen error")
		}
	}()

	n.Start(ctx)
	if s := n.Student(); s != nil {
		go readMarks(ctx, s, log)
	}

	stop := make(chan os.Signal, 2)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Info("shutting down")
	cancel()
	n.Close()
	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 2*time.Second)
	_ = httpServer.Shutdown(ctxShutdown)
	cancelShutdown()
}

func buildConfig(role directory.Role) node.Config {
	cfg := node.DefaultConfig(role)
	if *id != "" {
		cfg.ID = *id
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if cfg.ID == "" {
		app.Fatalf("--id is required for role %s", role)
	}
	if cfg.Addr == "" {
		app.Fatalf("--addr is required for role %s", role)
	}

	cfg.StartTime = *startTime
	cfg.DBPath = *dbPath
	cfg.Directory.CoordinatorAddr = *coordinator
	cfg.Directory.CallTimeout = *timeout
	cfg.Mutex.CallTimeout = *timeout
	cfg.Berkeley.CallTimeout = *timeout
	cfg.Admission.CallTimeout = *timeout

	switch role {
	case directory.RoleCoordinator:
		cfg.Admission.Capacity = *capacity
		cfg.Admission.BackupAddr = *backupAddr
		cfg.Admission.ForwardAttempts = *forwardAttempts
		cfg.Admission.BackupDeadline = *backupDeadline
		cfg.Admission.ProcessingDelay = *processing
		cfg.TeacherAddr = *teacherAddr
		cfg.SyncInterval = *syncEvery
	case directory.RoleStudent:
		cfg.Mutex.WaitTimeout = *waitTimeout
		cfg.Mutex.ExcludeAfter = *excludeAfter
		cfg.Directory.ProbeFrom = *probeFrom
		cfg.Directory.ProbeTo = *probeTo
	case directory.RoleTeacher:
		cfg.PushOffsets = !*pull
	case directory.RoleBackup:
		cfg.Admission.ProcessingDelay = *backupWorkFor
	}
	return cfg
}

func readMarks(ctx context.Context, s *node.Student, log *logrus.Entry) {
	sc := bufio.NewScanner(os.Stdin)
	fmt.Println("enter ISA marks (one integer per line):")
	for sc.Scan() {
		raw := strings.TrimSpace(sc.Text())
		if raw == "" {
			continue
		}
		marks, err := s.EnterISA(ctx, raw)
		if err != nil {
			log.WithError(err).Warn("isa entry failed")
			continue
		}
		fmt.Printf("recorded %d\n", marks)
		if ctx.Err() != nil {
			return
		}
	}
}

func runClient(cmd string, rpc *api.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2 * *timeout)
	defer cancel()

	switch cmd {
	case submitCmd.FullCommand():
		sub, err := parseSubmission(*submitAnswer, *submitFlags)
		if err != nil {
			return err
		}
		if err := rpc.Submit(ctx, *coordinator, *submitID, sub); err != nil {
			return err
		}
		fmt.Printf("accepted %s\n", *submitID)
	case syncCmd.FullCommand():
		res, err := rpc.Sync(ctx, *coordinator)
		if err != nil {
			return err
		}
		return printJSON(res)
	case scoresCmd.FullCommand():
		scores, err := rpc.Scores(ctx, *coordinator)
		if err != nil {
			return err
		}
		for _, s := range scores {
			fmt.Printf("%-8s %-4s %4d  %s\n", s.ID, s.Kind, s.Value, s.UpdatedAt.Format(time.RFC3339))
		}
	case statusCmd.FullCommand():
		target := *statusTarget
		if target == "" {
			target = *coordinator
		}
		st, err := rpc.Status(ctx, target)
		if err != nil {
			return err
		}
		return printJSON(st)
	}
	return nil
}

// parseSubmission reads "1=2,4=3" into question -> option.
func parseSubmission(answers string, flags int) (scoring.Submission, error) {
	sub := scoring.Submission{Answers: map[int]int{}, Flags: flags}
	for _, pair := range strings.Split(answers, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		q, opt, ok := strings.Cut(pair, "=")
		if !ok {
			return sub, fmt.Errorf("answer %q: expected q=option", pair)
		}
		qn, err := strconv.Atoi(q)
		if err != nil {
			return sub, fmt.Errorf("answer %q: %w", pair, err)
		}
		on, err := strconv.Atoi(opt)
		if err != nil {
			return sub, fmt.Errorf("answer %q: %w", pair, err)
		}
		sub.Answers[qn] = on
	}
	return sub, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
