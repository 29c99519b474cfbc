package utils_test

import (
	"fmt"
	"testing"
	"time"

	"supporthub/internal/utils"
)

func TestRunInPool(t *testing.T) {
	worker := func(i int) (string, error) {
		if i%4 == 3 {
			time.Sleep(time.Duration(10-i) * time.Millisecond)
			return "", fmt.Errorf("error")
		}
		return fmt.Sprintf("%d-%d", i, i), nil
	}

	queue := make(chan int, 10)

	for i := 0; i < 10; i++ {
		queue <- i
	}

	close(queue)

	output := make(chan utils.CompletedTask[int, string], 10)

	utils.RunInPool(worker, queue, output, 5)

	success, errors := 0, 0
	for result := range output {
		if result.Error != nil {
			errors++
			if result.Input%4 != 3 {
				t.Fatalf("unexpected failure for input %d", result.Input)
			}
		} else {
			success++
		}
	}

	if success != 8 || errors != 2 {
		t.Fatal("invalid results")
	}
}

func TestRunInPoolEmptyQueue(t *testing.T) {
	queue := make(chan int)
	close(queue)

	output := make(chan utils.CompletedTask[int, int])
	utils.RunInPool(func(i int) (int, error) { return i, nil }, queue, output, 4)

	for range output {
		t.Fatal("expected no results")
	}
}
