package nn

import (
	"fmt"

	"github.com/chewxy/math32"
)

// SparseCrossEntropy computes the mean softmax cross-entropy of logits
// (N, K) against integer labels, and the gradient with respect to logits.
func SparseCrossEntropy(logits *Tensor, labels []int) (float32, *Tensor, error) {
	n := logits.Batch()
	if len(labels) != n {
		return 0, nil, fmt.Errorf("nn: %d labels for batch of %d", len(labels), n)
	}
	k := logits.SampleSize()
	grad := NewTensor(logits.Shape...)
	var total float32
	for i := 0; i < n; i++ {
		label := labels[i]
		if label < 0 || label >= k {
			return 0, nil, fmt.Errorf("nn: label %d out of range [0, %d)", label, k)
		}
		probs := grad.Sample(i)
		softmax(logits.Sample(i), probs)
		total -= math32.Log(math32.Max(probs[label], 1e-12))
		probs[label] -= 1
		for j := range probs {
			probs[j] /= float32(n)
		}
	}
	return total / float32(n), grad, nil
}

// Softmax returns normalized probabilities for one row of logits.
func Softmax(logits []float32) []float32 {
	out := make([]float32, len(logits))
	softmax(logits, out)
	return out
}

func softmax(logits, out []float32) {
	maxLogit := logits[0]
	for _, v := range logits {
		if v > maxLogit {
			maxLogit = v
		}
	}
	var sum float32
	for i, v := range logits {
		e := math32.Exp(v - maxLogit)
		out[i] = e
		sum += e
	}
	inv := 1 / sum
	for i := range out {
		out[i] *= inv
	}
}

// Argmax returns the index of the largest value, preferring the first on ties.
func Argmax(v []float32) int {
	best := 0
	for i, x := range v {
		if x > v[best] {
			best = i
		}
	}
	return best
}

// Accuracy counts rows of logits whose argmax equals the label.
func Accuracy(logits *Tensor, labels []int) (correct int) {
	for i, label := range labels {
		if Argmax(logits.Sample(i)) == label {
			correct++
		}
	}
	return correct
}
