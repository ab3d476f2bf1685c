// Load generator for the quest-progress ingestion path. Emits progress
// events for a simulated population of accounts, each advancing toward
// completion across a handful of quests.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/IBM/sarama"
)

// ProgressEvent mirrors the consumer's wire format
type ProgressEvent struct {
	AccountID string    `json:"account_id"`
	QuestID   string    `json:"quest_id"`
	Progress  int       `json:"progress"`
	Timestamp time.Time `json:"timestamp"`
}

var accountPrefixes = []string{
	"Phoenix", "Shadow", "Thunder", "Storm", "Blaze", "Ninja", "Dragon", "Wolf", "Hawk", "Viper",
	"Ghost", "Titan", "Frost", "Cyber", "Nova", "Raven", "Omega", "Alpha", "Delta", "Sigma",
	"Ace", "Bolt", "Crash", "Dash", "Edge", "Flash", "Glitch", "Haze", "Ion", "Jade",
	"Knight", "Luna", "Mystic", "Neon", "Orion", "Pulse", "Quantum", "Rebel", "Spark", "Turbo",
}

func getAccountName(idx int) string {
	prefixIdx := idx % len(accountPrefixes)
	suffix := idx/len(accountPrefixes) + 1
	return fmt.Sprintf("%s%d", accountPrefixes[prefixIdx], suffix)
}

func main() {
	// Command line flags
	brokers := flag.String("brokers", "localhost:9094", "Kafka brokers (comma-separated)")
	topic := flag.String("topic", "quest-progress", "Kafka topic")
	totalAccounts := flag.Int("accounts", 1000, "Number of simulated accounts")
	totalQuests := flag.Int("quests", 10, "Number of quest IDs to spread events across")
	updatesPerSecond := flag.Int("rate", 100, "Events per second")
	duration := flag.Duration("duration", 0, "Duration to run (0 = forever)")
	flag.Parse()

	brokerList := strings.Split(*brokers, ",")

	fmt.Println("Quest progress producer")
	fmt.Printf("  Brokers:     %s\n", *brokers)
	fmt.Printf("  Topic:       %s\n", *topic)
	fmt.Printf("  Accounts:    %d\n", *totalAccounts)
	fmt.Printf("  Quests:      %d\n", *totalQuests)
	fmt.Printf("  Events/sec:  %d\n", *updatesPerSecond)
	fmt.Println()

	// Configure Sarama producer
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForLocal
	config.Producer.Compression = sarama.CompressionSnappy
	config.Producer.Flush.Frequency = 100 * time.Millisecond
	config.Producer.Flush.Messages = 100
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true

	producer, err := sarama.NewAsyncProducer(brokerList, config)
	if err != nil {
		log.Fatalf("Failed to create producer: %v", err)
	}
	defer producer.Close()

	// Handle producer errors and successes
	var successCount, errorCount int64
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for range producer.Successes() {
			atomic.AddInt64(&successCount, 1)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for err := range producer.Errors() {
			atomic.AddInt64(&errorCount, 1)
			log.Printf("Producer error: %v", err)
		}
	}()

	// Handle shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})

	sendEvent := func(event ProgressEvent) {
		data, err := json.Marshal(event)
		if err != nil {
			log.Printf("Failed to marshal event: %v", err)
			return
		}

		msg := &sarama.ProducerMessage{
			Topic: *topic,
			Key:   sarama.StringEncoder(event.AccountID),
			Value: sarama.ByteEncoder(data),
		}

		select {
		case producer.Input() <- msg:
		case <-done:
			return
		}
	}

	// Each (account, quest) pair walks its progress forward; progress on
	// the server side is monotonic so out-of-order delivery is harmless.
	progress := make(map[string]int)

	interval := time.Second / time.Duration(*updatesPerSecond)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	statsTicker := time.NewTicker(5 * time.Second)
	defer statsTicker.Stop()

	var endTime time.Time
	if *duration > 0 {
		endTime = time.Now().Add(*duration)
	}

	var eventCount int64

	shutdown := func() {
		close(done)
		producer.AsyncClose()
		wg.Wait()
		fmt.Printf("\nCompleted. Sent: %d, Errors: %d\n",
			atomic.LoadInt64(&successCount), atomic.LoadInt64(&errorCount))
	}

	fmt.Println("Press Ctrl+C to stop")
	fmt.Println()

	for {
		select {
		case <-sigChan:
			fmt.Println("\nShutting down...")
			shutdown()
			return

		case <-ticker.C:
			if *duration > 0 && time.Now().After(endTime) {
				fmt.Println("\nDuration reached, shutting down...")
				shutdown()
				return
			}

			accountID := getAccountName(rand.Intn(*totalAccounts))
			questID := fmt.Sprintf("quest-%d", rand.Intn(*totalQuests)+1)

			key := accountID + "|" + questID
			p := progress[key] + rand.Intn(20) + 5
			if p > 100 {
				// Completed; start the pair over on a fresh cycle.
				p = 100
				delete(progress, key)
			} else {
				progress[key] = p
			}

			sendEvent(ProgressEvent{
				AccountID: accountID,
				QuestID:   questID,
				Progress:  p,
				Timestamp: time.Now().UTC(),
			})
			atomic.AddInt64(&eventCount, 1)

		case <-statsTicker.C:
			fmt.Printf("[%s] Events: %d | Sent: %d | Errors: %d\n",
				time.Now().Format("15:04:05"),
				atomic.LoadInt64(&eventCount),
				atomic.LoadInt64(&successCount),
				atomic.LoadInt64(&errorCount),
			)
		}
	}
}
