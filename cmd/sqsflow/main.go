// Command sqsflow provisions queues, consumes from them and publishes to queues or topics.
//
//	sqsflow [-config sqsflow.yaml] provision
//	sqsflow [-config sqsflow.yaml] consume [-schema payload.json] [-print]
//	sqsflow [-config sqsflow.yaml] publish [-subject s] [-group g] < lines.txt
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/hatsunemiku3939/sqsflow"
	"github.com/hatsunemiku3939/sqsflow/config"
	"github.com/hatsunemiku3939/sqsflow/metrics"
	"github.com/hatsunemiku3939/sqsflow/provision"
	"github.com/hatsunemiku3939/sqsflow/types"
)

// shutdownTimeout bounds the metrics server shutdown.
const shutdownTimeout = 5 * time.Second

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "sqsflow:", err)
		os.Exit(1)
	}
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	global := flag.NewFlagSet("sqsflow", flag.ContinueOnError)
	global.SetOutput(stderr)
	configPath := global.String("config", "", "path to a YAML configuration file")
	if err := global.Parse(args); err != nil {
		return err
	}
	if global.NArg() == 0 {
		global.Usage()
		return errors.New("missing command: provision, consume or publish")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	logger, err := cfg.Logger(stderr)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	awsCfg, err := cfg.AWSConfig(ctx)
	if err != nil {
		return err
	}
	app := &app{
		cfg:    cfg,
		logger: logger,
		sqs:    sqs.NewFromConfig(awsCfg),
		sns:    sns.NewFromConfig(awsCfg),
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
	}

	cmd, rest := global.Arg(0), global.Args()[1:]
	switch cmd {
	case "provision":
		return app.provision(ctx)
	case "consume":
		return app.consume(ctx, rest)
	case "publish":
		return app.publish(ctx, rest)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

type app struct {
	cfg    *config.Config
	logger zerolog.Logger
	sqs    *sqs.Client
	sns    *sns.Client
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

func (a *app) provisioner(kmsKeyAlias string) *provision.Provisioner {
	p := a.cfg.Provision
	return provision.New(a.sqs, a.sns,
		provision.WithLogger(a.logger),
		provision.WithKMSKeyAlias(kmsKeyAlias),
		provision.WithVisibilityTimeout(p.VisibilityTimeout),
		provision.WithRedrive(p.RedriveARN, p.MaxReceiveCount),
		provision.WithRawMessageDelivery(p.RawDelivery),
	)
}

func (a *app) provision(ctx context.Context) error {
	p := a.cfg.Provision
	if p.Queue == "" {
		return errors.New("provision.queue is required")
	}
	prov := a.provisioner(p.KMSKeyAlias)

	queue, err := prov.EnsureQueue(ctx, p.Queue)
	if err != nil {
		return err
	}
	if err := prov.AttachTopicPolicy(ctx, queue, p.Topics...); err != nil {
		return err
	}
	for _, topic := range p.Topics {
		if _, err := prov.Subscribe(ctx, topic, queue.ARN); err != nil {
			return err
		}
	}
	fmt.Fprintf(a.stdout, "url=%s\narn=%s\n", queue.URL, queue.ARN)
	return nil
}

func (a *app) consume(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("consume", flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	schemaPath := fs.String("schema", "", "JSON schema every payload must satisfy")
	printPayloads := fs.Bool("print", false, "write each payload to stdout")
	if err := fs.Parse(args); err != nil {
		return err
	}

	decoder, err := payloadDecoder(*schemaPath)
	if err != nil {
		return err
	}

	m := metrics.NewMetrics(a.cfg.Metrics.Namespace)
	opts := []sqsflow.ConsumerOption{
		sqsflow.WithLogger(a.logger),
		sqsflow.WithMetrics(m),
		sqsflow.WithFailurePolicy(a.cfg.FailurePolicy()),
		sqsflow.WithDeadLetterQueueURL(a.cfg.Consumer.DeadLetterQueueURL),
	}
	var resolver types.QueueResolver = a.provisioner(a.cfg.Consumer.KMSKeyAlias)
	if a.cfg.Consumer.QueueURL != "" {
		opts = append(opts, sqsflow.WithQueueURL(a.cfg.Consumer.QueueURL))
	}

	handler := func(_ context.Context, msg sqsflow.Message, payload string) (sqsflow.Result, error) {
		if *printPayloads {
			fmt.Fprintln(a.stdout, payload)
		}
		a.logger.Debug().Str("message_id", msg.ID).Int("bytes", len(payload)).Msg("payload handled")
		return sqsflow.ResultConsumed, nil
	}

	consumer, err := sqsflow.NewConsumer(a.sqs, resolver, a.cfg.ConsumerSettings(), decoder, handler, opts...)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	consumerCtx, cancelConsumer := context.WithCancel(gctx)
	defer cancelConsumer()

	if addr := a.cfg.Metrics.Addr; addr != "" {
		srv := &http.Server{
			Addr:              addr,
			Handler:           promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-consumerCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	g.Go(func() error {
		// A count-limited consumer ends on its own; stop the metrics server with it.
		defer cancelConsumer()
		return consumer.Run(consumerCtx)
	})
	return g.Wait()
}

func payloadDecoder(schemaPath string) (sqsflow.Decoder[string], error) {
	if schemaPath == "" {
		return sqsflow.StringDecoder{}, nil
	}
	schema, err := os.ReadFile(schemaPath)
	if err != nil {
		return nil, fmt.Errorf("read schema: %w", err)
	}
	return sqsflow.NewSchemaDecoder[string](string(schema), sqsflow.StringDecoder{})
}

func (a *app) publish(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("publish", flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	subject := fs.String("subject", "", "SNS subject for every message")
	group := fs.String("group", "", "message group ID for FIFO targets")
	if err := fs.Parse(args); err != nil {
		return err
	}

	pc := a.cfg.Publisher
	opts := []sqsflow.PublisherOption{
		sqsflow.WithPublisherLogger(a.logger),
		sqsflow.WithPublisherMetrics(metrics.NewMetrics(a.cfg.Metrics.Namespace)),
	}

	var (
		pub *sqsflow.Publisher
		err error
	)
	switch {
	case pc.QueueURL != "" && pc.TopicARN != "":
		return errors.New("publisher.queueUrl and publisher.topicArn are mutually exclusive")
	case pc.QueueURL != "":
		pub, err = sqsflow.NewQueuePublisher(a.sqs, pc.QueueURL, a.cfg.PublisherSettings(), opts...)
	case pc.TopicARN != "":
		pub, err = sqsflow.NewTopicPublisher(a.sns, pc.TopicARN, a.cfg.PublisherSettings(), opts...)
	default:
		return errors.New("publisher.queueUrl or publisher.topicArn is required")
	}
	if err != nil {
		return err
	}

	in := make(chan sqsflow.OutboundMessage)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(in)
		return scanLines(gctx, a.stdin, in, func(line string) sqsflow.OutboundMessage {
			return sqsflow.OutboundMessage{Body: line, Subject: *subject, GroupID: *group}
		})
	})
	g.Go(func() error {
		return pub.PublishStream(gctx, in)
	})
	return g.Wait()
}

// scanLines sends one message per non-empty input line. When r is an io.Closer it is closed on
// cancellation so a read blocked on an interactive terminal returns.
func scanLines(ctx context.Context, r io.Reader, out chan<- sqsflow.OutboundMessage, build func(string) sqsflow.OutboundMessage) error {
	if c, ok := r.(io.Closer); ok {
		stop := context.AfterFunc(ctx, func() { _ = c.Close() })
		defer stop()
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 256*1024)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		select {
		case out <- build(line):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return sc.Err()
}
